// Package tokens counts completion tokens when the provider reports none.
//
// DESIGN: Streams normally end with a usage chunk. When one is missing, the
// gateway still has to reconcile quota, so it counts the streamed text with a
// BPE encoder. The encoder loads in the background (it may be downloaded on
// first use), and Count never waits for it: until it is ready, or if it
// cannot be loaded, the chars/4 heuristic is used.
package tokens

import (
	"sync"
	"sync/atomic"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/compresr/tier-gateway/internal/config"
)

// DefaultEncoding is used for every tier alias; the proxy hides real model names.
const DefaultEncoding = "cl100k_base"

// Counter counts tokens in text.
type Counter struct {
	encoding string
	once     sync.Once
	ready    chan struct{}
	enc      atomic.Pointer[tiktoken.Tiktoken]
}

// NewCounter creates a counter for an encoding. Call Load to start loading
// the encoder early; Count starts it otherwise.
func NewCounter(encoding string) *Counter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &Counter{encoding: encoding, ready: make(chan struct{})}
}

// Load starts loading the encoder in the background. The returned channel
// is closed once loading finished, successfully or not.
func (c *Counter) Load() <-chan struct{} {
	c.once.Do(func() {
		go func() {
			defer close(c.ready)
			c.load()
		}()
	})
	return c.ready
}

func (c *Counter) load() {
	enc, err := tiktoken.GetEncoding(c.encoding)
	if err != nil {
		log.Warn().Err(err).Str("encoding", c.encoding).Msg("tokens: encoder unavailable, using heuristic")
		return
	}
	c.enc.Store(enc)
}

// Count returns the number of tokens in text. It never blocks on loading.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.Load()
	if enc := c.enc.Load(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return Estimate(text)
}

// Estimate is the chars/4 heuristic, rounded up.
func Estimate(text string) int {
	return (len(text) + config.TokenEstimateRatio - 1) / config.TokenEstimateRatio
}
