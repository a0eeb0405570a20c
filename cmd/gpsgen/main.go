// Command gpsgen produces synthetic vehicle positions to a Kafka topic at a
// configurable rate. Each vehicle does a random walk; records are keyed by
// vehicle so one vehicle's points stay on one partition.
//
// Schema: { vehicle_id string, lon float64, lat float64, ts int64, speed float64 }
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Position is one GPS fix.
type Position struct {
	VehicleID string  `json:"vehicle_id"`
	Lon       float64 `json:"lon"`
	Lat       float64 `json:"lat"`
	TS        int64   `json:"ts"`
	Speed     float64 `json:"speed"`
}

type vehicle struct {
	id       string
	lon, lat float64
	heading  float64
}

// step moves v by up to maxStep degrees, turning a little each time.
func (v *vehicle) step(rng *rand.Rand, maxStep float64) float64 {
	v.heading += (rng.Float64() - 0.5) * math.Pi / 4
	d := rng.Float64() * maxStep
	v.lon += d * math.Cos(v.heading)
	v.lat += d * math.Sin(v.heading)
	v.lat = math.Max(-90, math.Min(90, v.lat))
	return d
}

func main() {
	brokers := flag.String("brokers", "localhost:9092", "Kafka bootstrap servers")
	topic := flag.String("topic", "positions", "Kafka topic to produce to")
	rate := flag.Int64("rate", 10000, "Positions per second")
	numVehicles := flag.Int("vehicles", 100, "Number of distinct vehicles")
	duration := flag.Duration("duration", 0, "Duration to run (0=infinite)")
	seed := flag.Uint64("seed", 42, "Random seed")
	flag.Parse()

	slog.Info("starting position generator",
		"brokers", *brokers,
		"topic", *topic,
		"rate", *rate,
		"vehicles", *numVehicles,
	)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(*brokers),
		kgo.DefaultProduceTopic(*topic),
		kgo.ProducerBatchMaxBytes(1024*1024),
		kgo.MaxBufferedRecords(100_000),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		slog.Error("failed to create Kafka client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	rng := rand.New(rand.NewPCG(*seed, 0))
	vehicles := make([]*vehicle, *numVehicles)
	for i := range vehicles {
		vehicles[i] = &vehicle{
			id:      fmt.Sprintf("vehicle_%04d", i),
			lon:     -74.05 + rng.Float64()*0.2,
			lat:     40.65 + rng.Float64()*0.2,
			heading: rng.Float64() * 2 * math.Pi,
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	var sent, failed atomic.Int64
	go reportThroughput(ctx, &sent, &failed)

	batchSize := int64(1000)
	if *rate < batchSize {
		batchSize = max(*rate, 1)
	}
	interval := time.Duration(float64(time.Second) * float64(batchSize) / float64(max(*rate, 1)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	onProduced := func(_ *kgo.Record, err error) {
		if err != nil {
			failed.Add(1)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := client.Flush(flushCtx); err != nil {
				slog.Warn("flush error", "error", err)
			}
			cancel()
			slog.Info("generator stopped", "total_positions", sent.Load(), "failed", failed.Load())
			return
		case <-ticker.C:
			now := time.Now().UnixMilli()
			for i := int64(0); i < batchSize; i++ {
				v := vehicles[rng.IntN(len(vehicles))]
				d := v.step(rng, 0.0005)
				pos := Position{
					VehicleID: v.id,
					Lon:       v.lon,
					Lat:       v.lat,
					TS:        now + i,
					Speed:     d * 111_000 / interval.Seconds(),
				}
				value, err := json.Marshal(pos)
				if err != nil {
					slog.Error("encode position", "error", err)
					continue
				}
				client.Produce(ctx, &kgo.Record{Key: []byte(pos.VehicleID), Value: value}, onProduced)
			}
			sent.Add(batchSize)
		}
	}
}

func reportThroughput(ctx context.Context, sent, failed *atomic.Int64) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := sent.Load()
			slog.Info("generator throughput", "positions/sec", cur-last, "total", cur, "failed", failed.Load())
			last = cur
		}
	}
}
