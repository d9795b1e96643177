// Package influx records seal and check events as InfluxDB time series.
package influx

import (
	"context"
	"fmt"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/bardlex/blockseal/internal/sealer"
	"github.com/bardlex/blockseal/pkg/log"
)

// Measurement names
const (
	MeasurementSeals  = "seals"
	MeasurementChecks = "checks"
)

// pointWriter is the subset of api.WriteAPI the client uses
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// Client wraps InfluxDB operations for seal metrics
type Client struct {
	client influxdb2.Client
	writer pointWriter
	now    func() time.Time
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client. Asynchronous write errors are
// logged through logger.
func NewClient(cfg *Config, logger *log.Logger) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := checkHealth(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	errLogger := logger.WithComponent("influx")
	go func() {
		for err := range writeAPI.Errors() {
			errLogger.WithError(err).Warn("failed to write points")
		}
	}()

	return &Client{
		client: client,
		writer: writeAPI,
		now:    time.Now,
	}, nil
}

func checkHealth(ctx context.Context, client influxdb2.Client) error {
	health, err := client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("status %s: %s", health.Status, msg)
	}

	return nil
}

// Close flushes pending points and closes the connection
func (c *Client) Close() {
	c.writer.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	return checkHealth(ctx, c.client)
}

// Flush forces a write of all pending points
func (c *Client) Flush() {
	c.writer.Flush()
}

// SealPoint builds the point recorded for a seal event
func SealPoint(ev sealer.SealEvent, at time.Time) *write.Point {
	tags := map[string]string{
		"algorithm":  ev.Algorithm,
		"difficulty": strconv.Itoa(ev.Difficulty),
		"status":     ev.Status,
		"cached":     strconv.FormatBool(ev.Cached),
	}

	fields := map[string]any{
		"attempts":   ev.Attempts,
		"elapsed_ms": float64(ev.Elapsed.Microseconds()) / 1000,
		"hashrate":   hashrate(ev.Attempts, ev.Elapsed),
		"count":      1,
	}

	return write.NewPoint(MeasurementSeals, tags, fields, at)
}

// CheckPoint builds the point recorded for a check event
func CheckPoint(ev sealer.CheckEvent, at time.Time) *write.Point {
	tags := map[string]string{
		"algorithm":  ev.Algorithm,
		"difficulty": strconv.Itoa(ev.Difficulty),
		"state":      ev.State.String(),
	}

	fields := map[string]any{
		"elapsed_ms": float64(ev.Elapsed.Microseconds()) / 1000,
		"count":      1,
	}

	return write.NewPoint(MeasurementChecks, tags, fields, at)
}

// ObserveSeal implements sealer.Observer
func (c *Client) ObserveSeal(_ context.Context, ev sealer.SealEvent) {
	c.writer.WritePoint(SealPoint(ev, c.now()))
}

// ObserveCheck implements sealer.Observer
func (c *Client) ObserveCheck(_ context.Context, ev sealer.CheckEvent) {
	c.writer.WritePoint(CheckPoint(ev, c.now()))
}

func hashrate(attempts uint64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(attempts) / elapsed.Seconds()
}
