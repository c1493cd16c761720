package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// cryptoSource is a rand.Source backed by crypto/rand. Seed is ignored.
type cryptoSource struct{}

func (cryptoSource) Int63() int64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return int64(binary.BigEndian.Uint64(buf[:]) & math.MaxInt64)
}

func (cryptoSource) Seed(int64) {}

// generator serializes access to a rand.Rand; scan workers read in parallel.
type generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newGenerator(source string, seed *int64) (*generator, error) {
	var src rand.Source
	switch strings.ToLower(strings.TrimSpace(source)) {
	case "", "pseudo", "math":
		s := time.Now().UnixNano()
		if seed != nil {
			s = *seed
		}
		src = rand.NewSource(s)
	case "secure", "crypto":
		src = cryptoSource{}
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
	return &generator{rng: rand.New(src)}, nil
}

func (g *generator) float(min, max float64) (float64, error) {
	if max < min || math.IsNaN(min) || math.IsNaN(max) {
		return 0, fmt.Errorf("invalid float range [%g, %g]", min, max)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return min + (max-min)*g.rng.Float64(), nil
}

// integer returns a uniform value in [min, max].
func (g *generator) integer(min, max int64) (int64, error) {
	if max < min {
		return 0, fmt.Errorf("invalid integer range [%d, %d]", min, max)
	}
	span := max - min + 1
	if span <= 0 {
		return 0, fmt.Errorf("integer range overflow for [%d, %d]", min, max)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return min + g.rng.Int63n(span), nil
}

func (g *generator) text(length int, alphabet []rune) (string, error) {
	if len(alphabet) == 0 {
		return "", fmt.Errorf("alphabet must not be empty")
	}
	out := make([]rune, length)
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range out {
		out[i] = alphabet[g.rng.Intn(len(alphabet))]
	}
	return string(out), nil
}
