package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCancel(t *testing.T) {
	tok := NewToken()
	assert.False(t, tok.IsCancelled())

	fired := 0
	tok.OnCancel(func() { fired++ })
	tok.Cancel()
	assert.True(t, tok.IsCancelled())
	assert.Equal(t, 1, fired)

	// Second cancel is a no-op; listeners fire once.
	tok.Cancel()
	assert.Equal(t, 1, fired)
}

func TestTokenOnCancelAfterCancel(t *testing.T) {
	tok := NewToken()
	tok.Cancel()
	fired := false
	tok.OnCancel(func() { fired = true })
	assert.True(t, fired)
}

func TestTokenDone(t *testing.T) {
	tok := NewToken()
	select {
	case <-tok.Done():
		t.Fatal("done channel closed before cancel")
	default:
	}
	tok.Cancel()
	select {
	case <-tok.Done():
	default:
		t.Fatal("done channel not closed after cancel")
	}
}
