package arch

import "github.com/screenager/sift-infer/internal/backend/onnxbackend"

// OnnxCompute adapts an onnxbackend.Backend to the Compute interface.
type OnnxCompute struct {
	Backend *onnxbackend.Backend
}

func (o *OnnxCompute) Forward(tokenIDs []int64, positions []int64) ([][]float32, []float32, error) {
	out, err := o.Backend.Run(onnxbackend.StepInput{InputIDs: tokenIDs, Positions: positions})
	if err != nil {
		return nil, nil, err
	}
	return out.Logits, out.Embeddings, nil
}
