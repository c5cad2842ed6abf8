package usage

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Estimator counts tokens with the cl100k_base encoding. Providers that do
// not report usage get their numbers from here.
type Estimator struct {
	encoding *tiktoken.Tiktoken
	mu       sync.Mutex
}

var (
	estimatorInstance *Estimator
	estimatorOnce     sync.Once
	estimatorErr      error
)

// GetEstimator returns the shared estimator, loading the encoding once.
func GetEstimator() (*Estimator, error) {
	estimatorOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			estimatorErr = err
			return
		}
		estimatorInstance = &Estimator{encoding: enc}
	})
	if estimatorErr != nil {
		return nil, estimatorErr
	}
	return estimatorInstance, nil
}

func (e *Estimator) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages adds the per-message framing overhead used by chat APIs.
func (e *Estimator) CountMessages(contents []string) int {
	total := 3
	for _, c := range contents {
		total += 4 + e.CountTokens(c)
	}
	return total
}
