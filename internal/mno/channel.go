package mno

import (
	"context"

	"github.com/thrillee/smsgateway/internal/sms"
)

// OutboundChannel is a running link to one vendor.
type OutboundChannel interface {
	// Process queues msg for delivery. It returns false only when the channel
	// no longer accepts work.
	Process(ctx context.Context, msg *sms.Message) bool
	// Run blocks until ctx ends or Stop is called.
	Run(ctx context.Context)
	Stop()
	Config() VendorConf
}

// Compile-time checks
var (
	_ OutboundChannel = (*SMPPWorker)(nil)
	_ OutboundChannel = (*HTTPWorker)(nil)
)
