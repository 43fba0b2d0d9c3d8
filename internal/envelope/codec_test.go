package envelope

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/gotchoices/fret/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal deadlineReader over an in-memory byte source that
// can simulate an idle gap by blocking until its deadline fires, the way
// a real net.Conn's Read would when nothing has arrived yet.
type fakeConn struct {
	chunks   [][]byte
	idx      int
	deadline time.Time
	idle     bool // once chunks run out, wait for the deadline instead of EOF
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.idx >= len(f.chunks) {
		if f.idle && !f.deadline.IsZero() {
			time.Sleep(time.Until(f.deadline))
			return 0, timeoutErr{}
		}
		// No more data and no idle gap simulated: behave like a closed
		// stream (EOF), matching net.Conn after the peer hangs up.
		return 0, io.EOF
	}
	c := f.chunks[f.idx]
	f.idx++
	copy(p, c)
	return len(c), nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestReadBoundedAccumulatesChunksUntilEOF(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{[]byte("hel"), []byte("lo")}}
	out, err := ReadBounded(conn, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func TestReadBoundedRejectsOversizedPayload(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{bytes.Repeat([]byte("a"), 10)}}
	_, err := ReadBounded(conn, 5)
	var rejectErr *RejectError
	require.True(t, errors.As(err, &rejectErr))
	assert.Equal(t, RejectPayloadTooLarge, rejectErr.Kind)
}

func TestReadBoundedTreatsIdleTimeoutAsEndOfMessage(t *testing.T) {
	conn := &fakeConn{chunks: [][]byte{[]byte("partial")}, idle: true}
	// after the one real chunk, Read blocks until the deadline armed by
	// ReadBounded and then returns a timeout instead of EOF.
	out, err := ReadBounded(conn, 1024)
	require.NoError(t, err)
	assert.Equal(t, "partial", string(out))
}

func TestReadBoundedRejectsEmptyStreamAsStreamClosedEarly(t *testing.T) {
	conn := &fakeConn{}
	_, err := ReadBounded(conn, 1024)
	var rejectErr *RejectError
	require.True(t, errors.As(err, &rejectErr))
	assert.Equal(t, RejectStreamClosedEarly, rejectErr.Kind)
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	var out RouteAndMaybeAct
	err := DecodeJSON([]byte("{not json"), &out)
	var rejectErr *RejectError
	require.True(t, errors.As(err, &rejectErr))
	assert.Equal(t, RejectMalformedMessage, rejectErr.Kind)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := RouteAndMaybeAct{V: 1, Key: "k", TTL: 4, CorrelationID: "abc", Timestamp: 123}
	body, err := EncodeJSON(msg)
	require.NoError(t, err)

	var out RouteAndMaybeAct
	require.NoError(t, DecodeJSON(body, &out))
	assert.Equal(t, msg, out)
}

func TestValidateTimestampWithinDriftPasses(t *testing.T) {
	assert.NoError(t, ValidateTimestamp(1_000_000, 1_000_000, 0))
	assert.NoError(t, ValidateTimestamp(1_000_000, 1_000_000-MaxTimestampDriftMs, 0))
}

func TestValidateTimestampOutsideDriftFails(t *testing.T) {
	err := ValidateTimestamp(1_000_000, 1_000_000-MaxTimestampDriftMs-1, 0)
	var rejectErr *RejectError
	require.True(t, errors.As(err, &rejectErr))
	assert.Equal(t, RejectTimestampBounds, rejectErr.Kind)
}

func TestValidateTimestampCustomDriftForTests(t *testing.T) {
	assert.NoError(t, ValidateTimestamp(1000, 0, 2000))
	assert.Error(t, ValidateTimestamp(1000, 0, 500))
}

func TestCheckRateLimitReturnsBusyWhenLimiterRejects(t *testing.T) {
	clock := time.Unix(0, 0)
	limiter := ratelimit.NewLimiter(1, 0, func() time.Time { return clock })
	resp, busy := CheckRateLimit(nil, limiter, 1)
	assert.False(t, busy)
	assert.False(t, resp.Busy)

	resp, busy = CheckRateLimit(nil, limiter, 1)
	assert.True(t, busy)
	assert.True(t, resp.Busy)
}

func TestCheckRateLimitPassesThroughWhenNoLimiterConfigured(t *testing.T) {
	resp, busy := CheckRateLimit(nil, nil, 1)
	assert.False(t, busy)
	assert.False(t, resp.Busy)
}

func TestInFlightCapsConcurrency(t *testing.T) {
	f := NewInFlight(2)
	assert.True(t, f.TryEnter())
	assert.True(t, f.TryEnter())
	assert.False(t, f.TryEnter())
	f.Leave()
	assert.True(t, f.TryEnter())
}
