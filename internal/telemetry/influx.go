// Package telemetry exports litter box snapshots to InfluxDB.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/neakasa/neakasa-go/internal/log"
	"github.com/neakasa/neakasa-go/pkg/coordinator"
)

const (
	Measurement = "litter_box"

	pingTimeout     = 10 * time.Second
	batchSize       = 50
	flushIntervalMs = 10_000
)

var ErrConnectionFailed = errors.New("influxdb connection failed")

// Config describes the InfluxDB bucket written to.
type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

type pointWriter interface {
	WritePoint(point *write.Point)
}

// Sink writes one point per snapshot. It implements poller.Sink.
type Sink struct {
	writer pointWriter
	close  func()
}

// New returns a Sink that hands points to writer.
func New(writer pointWriter) *Sink {
	return &Sink{writer: writer, close: func() {}}
}

// Connect verifies that the server is reachable and returns a batching Sink.
func Connect(ctx context.Context, config Config) (*Sink, error) {
	client := influxdb2.NewClientWithOptions(config.URL, config.Token,
		influxdb2.DefaultOptions().SetBatchSize(batchSize).SetFlushInterval(flushIntervalMs))

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(config.Org, config.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warning("Failed to write telemetry: %s", err)
		}
	}()
	return &Sink{
		writer: writeAPI,
		close: func() {
			writeAPI.Flush()
			client.Close()
		},
	}, nil
}

// Point converts a snapshot to a line protocol point.
func Point(snapshot coordinator.Snapshot) *write.Point {
	return write.NewPoint(Measurement,
		map[string]string{"device": snapshot.DeviceID},
		map[string]interface{}{
			"sand_percent":  snapshot.SandLevelPercent,
			"sand_level":    snapshot.SandLevelState,
			"bucket_status": snapshot.BucketStatus,
			"bin_full":      snapshot.BinFullWaitReset,
			"stay_time":     snapshot.StayTime,
			"last_use":      snapshot.LastUse,
			"wifi_rssi":     snapshot.WifiRSSI,
		},
		snapshot.UpdatedAt)
}

func (s *Sink) Publish(_ context.Context, _ string, snapshot coordinator.Snapshot) error {
	s.writer.WritePoint(Point(snapshot))
	return nil
}

// Unavailable writes nothing; gaps in the series mark unavailability.
func (s *Sink) Unavailable(context.Context, string, error) error {
	return nil
}

// Close flushes pending points.
func (s *Sink) Close() error {
	s.close()
	return nil
}
