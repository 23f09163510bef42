package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker probes a collaborator with a bare TCP connect. Used for
// endpoints that expose no cheap HTTP surface.
type TCPChecker struct {
	// CheckName identifies the collaborator
	CheckName string

	// Address is the TCP address to connect to (e.g., "influx:8086")
	Address string

	// Timeout is the connection timeout (default: 5 seconds)
	Timeout time.Duration
}

// NewTCPChecker creates a new TCP health checker
func NewTCPChecker(name, address string) *TCPChecker {
	return &TCPChecker{
		CheckName: name,
		Address:   address,
		Timeout:   5 * time.Second,
	}
}

// Check performs the TCP health check
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{
		Timeout: t.Timeout,
	}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	defer conn.Close() //nolint:errcheck

	return Result{
		Healthy:   true,
		Message:   fmt.Sprintf("TCP connection to %s successful", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Name returns the collaborator name
func (t *TCPChecker) Name() string {
	return t.CheckName
}

// Type returns the health check type
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
