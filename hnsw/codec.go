package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/quiverdb/quiver/distance"
	"github.com/quiverdb/quiver/quant"
)

const (
	payloadRaw   uint8 = 0
	payloadCoded uint8 = 1
)

// AppendBinary serializes the graph into buf and returns the extended slice.
// The codec parameters of a quantized payload are persisted separately by the
// artifact layer; only the codes travel with the graph.
func (g *Graph) AppendBinary(buf []byte) []byte {
	var scratch [8]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		buf = append(buf, scratch[:4]...)
	}

	put32(uint32(len(g.nodes)))
	put32(uint32(g.entry))
	put32(uint32(g.maxLevel))
	put32(uint32(g.dim))
	put32(uint32(g.metric))
	put32(uint32(g.m))

	for _, nd := range g.nodes {
		put32(uint32(nd.level))
		for l := 0; l <= nd.level; l++ {
			put32(uint32(len(nd.neighbors[l])))
			for _, nb := range nd.neighbors[l] {
				put32(nb)
			}
		}
	}

	if g.codes != nil {
		buf = append(buf, payloadCoded)
		put32(uint32(len(g.codes[0])))
		for _, code := range g.codes {
			buf = append(buf, code...)
		}
		return buf
	}

	buf = append(buf, payloadRaw)
	for _, v := range g.vectors {
		for _, f := range v {
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(f))
			buf = append(buf, scratch[:4]...)
		}
	}
	return buf
}

// DecodeBinary reconstructs a graph from its serialized form. quantizer must
// be the trained codec persisted alongside the graph, or nil for raw
// payloads.
func DecodeBinary(data []byte, quantizer quant.Quantizer) (*Graph, error) {
	off := 0
	get32 := func() (uint32, error) {
		if off+4 > len(data) {
			return 0, fmt.Errorf("hnsw: truncated graph data at offset %d", off)
		}
		v := binary.LittleEndian.Uint32(data[off:])
		off += 4
		return v, nil
	}

	numNodes, err := get32()
	if err != nil {
		return nil, err
	}
	entry, err := get32()
	if err != nil {
		return nil, err
	}
	maxLevel, err := get32()
	if err != nil {
		return nil, err
	}
	dim, err := get32()
	if err != nil {
		return nil, err
	}
	metric, err := get32()
	if err != nil {
		return nil, err
	}
	m, err := get32()
	if err != nil {
		return nil, err
	}

	distFn, err := buildDistance(distance.Metric(metric))
	if err != nil {
		return nil, err
	}

	g := &Graph{
		dim:       int(dim),
		metric:    distance.Metric(metric),
		distFn:    distFn,
		m:         int(m),
		mMax0:     int(m) * 2,
		levelMult: 1 / math.Log(float64(m)),
		entry:     int(int32(entry)),
		maxLevel:  int(int32(maxLevel)),
		nodes:     make([]node, numNodes),
		quantizer: quantizer,
	}

	for i := range g.nodes {
		level, err := get32()
		if err != nil {
			return nil, err
		}
		nd := node{level: int(level), neighbors: make([][]uint32, level+1)}
		for l := 0; l <= int(level); l++ {
			count, err := get32()
			if err != nil {
				return nil, err
			}
			nbs := make([]uint32, count)
			for j := range nbs {
				nbs[j], err = get32()
				if err != nil {
					return nil, err
				}
			}
			nd.neighbors[l] = nbs
		}
		g.nodes[i] = nd
	}

	if off >= len(data) {
		return nil, fmt.Errorf("hnsw: truncated graph data: missing payload tag")
	}
	tag := data[off]
	off++

	switch tag {
	case payloadCoded:
		if quantizer == nil {
			return nil, fmt.Errorf("hnsw: graph has coded payload but no codec was provided")
		}
		codeSize, err := get32()
		if err != nil {
			return nil, err
		}
		need := int(numNodes) * int(codeSize)
		if off+need > len(data) {
			return nil, fmt.Errorf("hnsw: truncated coded payload")
		}
		codes := make([][]byte, numNodes)
		for i := range codes {
			codes[i] = data[off : off+int(codeSize) : off+int(codeSize)]
			off += int(codeSize)
		}
		g.codes = codes
	case payloadRaw:
		need := int(numNodes) * int(dim) * 4
		if off+need > len(data) {
			return nil, fmt.Errorf("hnsw: truncated raw payload")
		}
		vectors := make([][]float32, numNodes)
		for i := range vectors {
			v := make([]float32, dim)
			for d := range v {
				v[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				off += 4
			}
			vectors[i] = v
		}
		g.vectors = vectors
	default:
		return nil, fmt.Errorf("hnsw: unknown payload tag %d", tag)
	}

	return g, nil
}
