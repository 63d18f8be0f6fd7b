//go:build !govips || !cgo

package pipeline

func Startup() error {
	return nil
}

func Shutdown() {}

func NewTransformer(quality int) Transformer {
	return NewImagingTransformer(quality)
}

func TransformerName() string { return "imaging" }
