package gd

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"

	"modelforge/internal/model"
)

type layer struct {
	W [][]float64 `json:"w"` // out x in
	B []float64   `json:"b"`
}

// network dense feed-forward net; tanh on hidden layers, identity output
type network struct {
	ModelType model.ModelType `json:"modelType"`
	InputSize int             `json:"inputSize"`
	Layers    []layer         `json:"layers"`
}

func newNetwork(modelType model.ModelType, inputSize int, hidden []int, rng *rand.Rand) *network {
	sizes := append([]int{inputSize}, hidden...)
	sizes = append(sizes, 1)
	n := &network{ModelType: modelType, InputSize: inputSize}
	for i := 0; i+1 < len(sizes); i++ {
		in, out := sizes[i], sizes[i+1]
		limit := math.Sqrt(6 / float64(in+out))
		l := layer{W: make([][]float64, out), B: make([]float64, out)}
		for o := range l.W {
			l.W[o] = make([]float64, in)
			for j := range l.W[o] {
				l.W[o][j] = (rng.Float64()*2 - 1) * limit
			}
		}
		n.Layers = append(n.Layers, l)
	}
	return n
}

func (n *network) clone() *network {
	c := &network{ModelType: n.ModelType, InputSize: n.InputSize, Layers: make([]layer, len(n.Layers))}
	for i, l := range n.Layers {
		cl := layer{W: make([][]float64, len(l.W)), B: append([]float64(nil), l.B...)}
		for o := range l.W {
			cl.W[o] = append([]float64(nil), l.W[o]...)
		}
		c.Layers[i] = cl
	}
	return c
}

// forward returns the activations of every layer, input included
func (n *network) forward(x []float64) [][]float64 {
	acts := make([][]float64, len(n.Layers)+1)
	acts[0] = x
	for li, l := range n.Layers {
		out := make([]float64, len(l.W))
		last := li == len(n.Layers)-1
		for o, w := range l.W {
			z := l.B[o]
			for j, xj := range acts[li] {
				z += w[j] * xj
			}
			if !last {
				z = math.Tanh(z)
			}
			out[o] = z
		}
		acts[li+1] = out
	}
	return acts
}

func (n *network) predict(x []float64) float64 {
	acts := n.forward(x)
	return acts[len(acts)-1][0]
}

type gradients struct {
	W [][][]float64
	B [][]float64
}

func (n *network) zeroGradients() *gradients {
	g := &gradients{W: make([][][]float64, len(n.Layers)), B: make([][]float64, len(n.Layers))}
	for i, l := range n.Layers {
		g.B[i] = make([]float64, len(l.B))
		g.W[i] = make([][]float64, len(l.W))
		for o := range l.W {
			g.W[i][o] = make([]float64, len(l.W[o]))
		}
	}
	return g
}

// backward accumulates d(0.5·err²)/dθ for one sample and returns the
// squared error.
func (n *network) backward(x []float64, target float64, g *gradients) float64 {
	acts := n.forward(x)
	out := acts[len(acts)-1][0]
	errv := out - target

	delta := []float64{errv}
	for li := len(n.Layers) - 1; li >= 0; li-- {
		l := n.Layers[li]
		in := acts[li]
		for o := range l.W {
			g.B[li][o] += delta[o]
			for j := range l.W[o] {
				g.W[li][o][j] += delta[o] * in[j]
			}
		}
		if li == 0 {
			break
		}
		prev := make([]float64, len(in))
		for j := range prev {
			var sum float64
			for o := range l.W {
				sum += l.W[o][j] * delta[o]
			}
			// tanh'(z) = 1 - tanh(z)²
			prev[j] = sum * (1 - in[j]*in[j])
		}
		delta = prev
	}
	return errv * errv
}

// apply performs one gradient step, clipping the global gradient norm
func (n *network) apply(g *gradients, lr float64, batch int, clip float64) {
	scale := 1 / float64(batch)
	var norm float64
	for i := range g.W {
		for o := range g.W[i] {
			for _, v := range g.W[i][o] {
				norm += v * v * scale * scale
			}
			norm += g.B[i][o] * g.B[i][o] * scale * scale
		}
	}
	norm = math.Sqrt(norm)
	if clip > 0 && norm > clip {
		scale *= clip / norm
	}
	for i, l := range n.Layers {
		for o := range l.W {
			for j := range l.W[o] {
				l.W[o][j] -= lr * g.W[i][o][j] * scale
			}
			l.B[o] -= lr * g.B[i][o] * scale
		}
	}
}

func (n *network) marshal() ([]byte, error) {
	return json.Marshal(n)
}

func unmarshalNetwork(data []byte) (*network, error) {
	var n network
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to decode weights: %w", err)
	}
	if n.InputSize < 1 || len(n.Layers) == 0 {
		return nil, fmt.Errorf("weights have no layers")
	}
	in := n.InputSize
	for i, l := range n.Layers {
		if len(l.W) == 0 || len(l.W) != len(l.B) {
			return nil, fmt.Errorf("layer %d is malformed", i)
		}
		for _, row := range l.W {
			if len(row) != in {
				return nil, fmt.Errorf("layer %d expects %d inputs", i, in)
			}
		}
		in = len(l.W)
	}
	if in != 1 {
		return nil, fmt.Errorf("output layer must have one unit, has %d", in)
	}
	return &n, nil
}
