package mno

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/thrillee/smsgateway/pkg/codes"
)

const (
	defaultReconnectIntervalSeconds   = 30
	defaultEnquireLinkIntervalSeconds = 60
	defaultTransactionsPerSecond      = 10
)

// VendorConf describes one outbound vendor connection as stored in the
// vendors file.
type VendorConf struct {
	ID                         string `json:"id"`
	Enabled                    bool   `json:"enabled"`
	Host                       string `json:"host"`
	Port                       int    `json:"port"`
	SystemID                   string `json:"systemId"`
	Password                   string `json:"password"`
	ReconnectIntervalSeconds   int    `json:"reconnectIntervalSeconds"`
	EnquireLinkIntervalSeconds int    `json:"enquireLinkIntervalSeconds"`
	TransactionsPerSecond      int    `json:"transactionsPerSecond"`
	Type                       string `json:"type,omitempty"`
	HTTPAPIKey                 string `json:"httpApiKey,omitempty"`
	HTTPAPIURL                 string `json:"httpApiUrl,omitempty"`
}

// UnmarshalJSON fills omitted interval and throughput fields with defaults.
func (v *VendorConf) UnmarshalJSON(b []byte) error {
	type alias VendorConf
	a := alias{
		ReconnectIntervalSeconds:   defaultReconnectIntervalSeconds,
		EnquireLinkIntervalSeconds: defaultEnquireLinkIntervalSeconds,
		TransactionsPerSecond:      defaultTransactionsPerSecond,
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return err
	}
	*v = VendorConf(a)
	return nil
}

// Equal reports whether two configs describe the same connection. The HTTP
// fields are not part of the comparison.
func (v VendorConf) Equal(o VendorConf) bool {
	return v.Enabled == o.Enabled &&
		v.Port == o.Port &&
		v.ReconnectIntervalSeconds == o.ReconnectIntervalSeconds &&
		v.EnquireLinkIntervalSeconds == o.EnquireLinkIntervalSeconds &&
		v.TransactionsPerSecond == o.TransactionsPerSecond &&
		v.ID == o.ID &&
		v.Host == o.Host &&
		v.SystemID == o.SystemID &&
		v.Password == o.Password
}

func (v VendorConf) Address() string {
	return fmt.Sprintf("%s:%d", v.Host, v.Port)
}

// TransportType returns the normalized vendor type, SMPP when unset.
func (v VendorConf) TransportType() string {
	if strings.EqualFold(v.Type, codes.VendorTypeHTTP) {
		return codes.VendorTypeHTTP
	}
	return codes.VendorTypeSMPP
}

func (v VendorConf) reconnectInterval() time.Duration {
	if v.ReconnectIntervalSeconds <= 0 {
		return defaultReconnectIntervalSeconds * time.Second
	}
	return time.Duration(v.ReconnectIntervalSeconds) * time.Second
}

func (v VendorConf) enquireLinkInterval() time.Duration {
	if v.EnquireLinkIntervalSeconds <= 0 {
		return defaultEnquireLinkIntervalSeconds * time.Second
	}
	return time.Duration(v.EnquireLinkIntervalSeconds) * time.Second
}
