package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcliao/care-companion/internal/model"
)

type recorder struct {
	mu   sync.Mutex
	sent []telegramSend
}

func (r *recorder) all() []telegramSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telegramSend(nil), r.sent...)
}

// telegramServer answers every sendMessage with status and body; "{n}" in
// body is replaced with the call number.
func telegramServer(t *testing.T, status int, body string) (*httptest.Server, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		var req telegramSend
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		rec.mu.Lock()
		rec.sent = append(rec.sent, req)
		n := len(rec.sent)
		rec.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(strings.ReplaceAll(body, "{n}", strconv.Itoa(n))))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestTelegramSend(t *testing.T) {
	srv, rec := telegramServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":7{n}}}`)

	ch := NewTelegramChannel(srv.URL, "TOKEN")
	id, err := ch.Send(context.Background(), "42", Message{
		Kind: model.KindEmergency, Severity: model.SeverityHigh,
		Title: "Ann needs help", Body: "Reported <chest pain>",
	})
	require.NoError(t, err)
	assert.Equal(t, "71", id)
	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, "42", got[0].ChatID)
	assert.Equal(t, "HTML", got[0].ParseMode)
	assert.Contains(t, got[0].Text, "<b>Ann needs help (HIGH priority)</b>")
	assert.Contains(t, got[0].Text, "&lt;chest pain&gt;")
}

func TestTelegramSplitsLongMessages(t *testing.T) {
	srv, rec := telegramServer(t, http.StatusOK, `{"ok":true,"result":{"message_id":{n}}}`)

	body := strings.Repeat(strings.Repeat("word ", 200)+"\n\n", 8) // ~8 KB
	id, err := NewTelegramChannel(srv.URL, "TOKEN").Send(context.Background(), "42",
		Message{Kind: model.KindWeeklyReport, Title: "Weekly report", Body: body})
	require.NoError(t, err)
	assert.Equal(t, "1", id)
	got := rec.all()
	assert.GreaterOrEqual(t, len(got), 2)
	for _, m := range got {
		assert.LessOrEqual(t, len(m.Text), 4096)
	}
}

func TestTelegramErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusForbidden, true},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv, _ := telegramServer(t, tt.status, `{"ok":false,"error_code":1,"description":"nope"}`)
			_, err := NewTelegramChannel(srv.URL, "TOKEN").Send(context.Background(), "42", Message{Title: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestTelegramWithoutTokenIsPermanent(t *testing.T) {
	_, err := NewTelegramChannel("", "").Send(context.Background(), "42", Message{Title: "x"})
	assert.True(t, IsPermanent(err))
}

func TestTelegramRetryResumesAfterDeliveredParts(t *testing.T) {
	rec := &recorder{}
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req telegramSend
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		rec.mu.Lock()
		calls++
		n := calls
		if n != 2 {
			rec.sent = append(rec.sent, req)
		}
		rec.mu.Unlock()
		if n == 2 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"ok":false,"error_code":502,"description":"bad gateway"}`))
			return
		}
		w.Write([]byte(`{"ok":true,"result":{"message_id":` + strconv.Itoa(n) + `}}`))
	}))
	t.Cleanup(srv.Close)

	ch := NewTelegramChannel(srv.URL, "TOKEN")
	msg := Message{Kind: model.KindWeeklyReport, Title: "Weekly report",
		Body: strings.Repeat("word ", 1200) + "\n\n" + strings.Repeat("more ", 600)}

	_, err := ch.Send(context.Background(), "42", msg)
	require.Error(t, err)
	assert.False(t, IsPermanent(err))

	id, err := ch.Send(context.Background(), "42", msg)
	require.NoError(t, err)
	assert.Equal(t, "1", id, "the provider id is still the first part's")

	got := rec.all()
	seen := make(map[string]int)
	for _, m := range got {
		seen[m.Text]++
	}
	for text, n := range seen {
		assert.Equal(t, 1, n, "part delivered twice: %.40q", text)
	}
	assert.GreaterOrEqual(t, len(got), 2)
}
