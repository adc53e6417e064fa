package matrixas

import (
	"bytes"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	events []Event
}

func (s *recordingSink) HandleMatrixEvent(roomID string, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestHandleTransactionRejectsWrongToken(t *testing.T) {
	sink := &recordingSink{}
	adapter := NewAdapter("secret-hs-token", sink, nil)

	req := httptest.NewRequest("PUT", "/_matrix/app/v1/transactions/1", bytes.NewReader([]byte(`{"events":[]}`)))
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()

	adapter.Mux().ServeHTTP(rec, req)

	assert.Equal(t, 403, rec.Code)
	assert.Empty(t, sink.events)
}

func TestHandleTransactionForwardsEvents(t *testing.T) {
	sink := &recordingSink{}
	adapter := NewAdapter("secret-hs-token", sink, nil)

	body := `{"events":[{"event_id":"$1","type":"m.room.message","room_id":"!room:matrix.org","sender":"@alice:matrix.org","content":{"body":"hi","msgtype":"m.text"},"origin_server_ts":1000}]}`
	req := httptest.NewRequest("PUT", "/_matrix/app/v1/transactions/1", bytes.NewReader([]byte(body)))
	req.Header.Set("Authorization", "Bearer secret-hs-token")
	rec := httptest.NewRecorder()

	adapter.Mux().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "$1", sink.events[0].EventID)
	assert.Equal(t, "!room:matrix.org", sink.events[0].RoomID)
}

func TestHandleTransactionMalformedBody(t *testing.T) {
	sink := &recordingSink{}
	adapter := NewAdapter("", sink, nil)

	req := httptest.NewRequest("PUT", "/_matrix/app/v1/transactions/1", bytes.NewReader([]byte(`not json`)))
	rec := httptest.NewRecorder()

	adapter.Mux().ServeHTTP(rec, req)

	assert.Equal(t, 400, rec.Code)
}

func TestNoHSTokenConfiguredAllowsAnyCaller(t *testing.T) {
	sink := &recordingSink{}
	adapter := NewAdapter("", sink, nil)

	req := httptest.NewRequest("PUT", "/_matrix/app/v1/transactions/1", bytes.NewReader([]byte(`{"events":[]}`)))
	rec := httptest.NewRecorder()

	adapter.Mux().ServeHTTP(rec, req)

	assert.Equal(t, 200, rec.Code)
}

func TestParseMXC(t *testing.T) {
	server, mediaID, err := parseMXC("mxc://example.org/abc123")
	require.NoError(t, err)
	assert.Equal(t, "example.org", server)
	assert.Equal(t, "abc123", mediaID)

	_, _, err = parseMXC("https://example.org/abc123")
	assert.Error(t, err)
}

func TestLocalpart(t *testing.T) {
	assert.Equal(t, "alice", localpart("@alice:matrix.org"))
	assert.Equal(t, "alice", localpart("alice"))
}
