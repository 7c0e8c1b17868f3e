package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gunaso/gunaso/internal/common/errs"
)

func TestParseAppriseURLs(t *testing.T) {
	tests := []struct {
		name    string
		config  map[string]interface{}
		want    []string
		wantErr bool
	}{
		{"nil config", nil, nil, true},
		{"missing urls", map[string]interface{}{}, nil, true},
		{"string slice", map[string]interface{}{"urls": []string{"ntfy://topic"}}, []string{"ntfy://topic"}, false},
		{"interface slice from json", map[string]interface{}{
			"urls": []interface{}{"ntfy://topic", " tgram://token ", ""},
		}, []string{"ntfy://topic", "tgram://token"}, false},
		{"comma separated string", map[string]interface{}{
			"urls": "ntfy://a, tgram://b ,",
		}, []string{"ntfy://a", "tgram://b"}, false},
		{"wrong type", map[string]interface{}{"urls": 42}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAppriseURLs(tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSMSProvider_Unconfigured(t *testing.T) {
	p := NewSMSProvider("")
	assert.False(t, p.Available())
	assert.Error(t, p.Validate(nil))
	assert.Error(t, p.Send(context.Background(), Message{Phone: "+977981"}))
}

func TestSMSProvider_MissingPhone(t *testing.T) {
	p := NewSMSProvider("http://sms.local/send")
	err := p.Send(context.Background(), Message{Body: "hello"})
	assert.Equal(t, errs.KindInput, errs.Kind(err))
}

func TestSMSProvider_SendsGatewayPayload(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewSMSProvider(srv.URL)
	require.NoError(t, p.Send(context.Background(), Message{
		GrievanceID: "GR-20250115-KOJH-A1B2-A",
		Phone:       "+9779812345678",
		Body:        "your grievance was received",
	}))

	assert.Equal(t, "+9779812345678", got["to"])
	assert.Equal(t, "your grievance was received", got["text"])
	assert.Equal(t, "GR-20250115-KOJH-A1B2-A", got["grievance_id"])
}

func TestSMSProvider_StatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   string
	}{
		{"throttled", http.StatusTooManyRequests, errs.KindRateLimit},
		{"server error", http.StatusBadGateway, errs.KindConnection},
		{"client error", http.StatusBadRequest, errs.KindInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			err := NewSMSProvider(srv.URL).Send(context.Background(), Message{Phone: "+977981", Body: "x"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, errs.Kind(err))
		})
	}
}

func TestSMSProvider_UnreachableGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens any more

	err := NewSMSProvider(srv.URL).Send(context.Background(), Message{Phone: "+977981", Body: "x"})
	require.Error(t, err)
	assert.Equal(t, errs.KindConnection, errs.Kind(err))
}
