package mpt

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

type countReader struct {
	r io.Reader
	n int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// WriteTo serializes the grid in deterministic CBOR.
func (g *Grid) WriteTo(w io.Writer) (int64, error) {
	cw := &countWriter{w: w}
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return 0, err
	}
	if err := mode.NewEncoder(cw).Encode(g); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ReadFrom deserializes a grid written by WriteTo.
func (g *Grid) ReadFrom(r io.Reader) (int64, error) {
	cr := &countReader{r: r}
	mode, err := cbor.DecOptions{
		MaxArrayElements: 1 << 20,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		return 0, err
	}
	if err := mode.NewDecoder(cr).Decode(g); err != nil {
		return cr.n, err
	}
	return cr.n, nil
}
