package sampler

import (
	"errors"

	"github.com/screenager/sift-infer/internal/runtime"
)

var (
	errInvalidTopK       = errors.New("sampler: top_k must be >= 1")
	errNumericalFailure  = runtime.ErrNumericalFailure
)
