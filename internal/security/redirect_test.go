package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRedirectURL(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		allowHTTP bool
		wantErr   bool
	}{
		{"public https", "https://pay.example.com/session/abc", false, false},
		{"http rejected", "http://pay.example.com/session/abc", false, true},
		{"http allowed in dev", "http://localhost:8080/pay/abc", true, false},
		{"javascript scheme", "javascript:alert(1)", true, true},
		{"relative", "/pay/abc", false, true},
		{"credentials", "https://user:pw@pay.example.com/", false, true},
		{"localhost", "https://localhost/pay", false, true},
		{"loopback ip", "https://127.0.0.1/pay", false, true},
		{"private ip", "https://10.0.0.5/pay", false, true},
		{"link local", "https://169.254.169.254/latest", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRedirectURL(tt.url, tt.allowHTTP)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "https://widget.example.com", Origin("https://widget.example.com/v1/paymentWidgets.js?checkoutId=1"))
	assert.Equal(t, "http://localhost:8080", Origin("http://localhost:8080/x"))
	assert.Equal(t, "", Origin("/relative"))
}
