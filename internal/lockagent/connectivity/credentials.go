package connectivity

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Credentials are a Wi-Fi network submitted through the portal.
type Credentials struct {
	SSID     string
	Password string
}

// Normalize trims whitespace around the SSID. The password is kept verbatim
// since spaces are valid passphrase characters.
func (c Credentials) Normalize() Credentials {
	return Credentials{SSID: strings.TrimSpace(c.SSID), Password: c.Password}
}

// Validate checks the limits of a WPA-PSK network.
func (c Credentials) Validate() error {
	var errs []error
	switch n := len(c.SSID); {
	case n == 0:
		errs = append(errs, errors.New("SSID is required"))
	case n > 32:
		errs = append(errs, fmt.Errorf("SSID is %d bytes, at most 32 are allowed", n))
	}
	switch n := utf8.RuneCountInString(c.Password); {
	case n == 0:
		errs = append(errs, errors.New("password is required"))
	case n < 8 || n > 63:
		errs = append(errs, fmt.Errorf("password must be 8 to 63 characters, got %d", n))
	}
	if strings.ContainsAny(c.SSID+c.Password, "\n\r\x00") {
		errs = append(errs, errors.New("SSID and password must not contain control characters"))
	}
	return utilerrors.NewAggregate(errs)
}
