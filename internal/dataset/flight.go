package dataset

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-vqa/internal/batch"
)

// FlightServer serves the splits of a Memory dataset over Arrow Flight.
// The DoGet ticket is the split name ("train" or "val").
type FlightServer struct {
	flight.BaseFlightServer
	data *Memory
	srv  flight.Server
}

func NewFlightServer(data *Memory) *FlightServer {
	return &FlightServer{data: data}
}

// Start binds addr (use "localhost:0" for an ephemeral port) and serves in
// the background.
func (s *FlightServer) Start(addr string) error {
	s.srv = flight.NewServerWithMiddleware(nil)
	if err := s.srv.Init(addr); err != nil {
		return fmt.Errorf("failed to bind flight server on %s: %w", addr, err)
	}
	s.srv.RegisterFlightService(s)
	go func() { _ = s.srv.Serve() }()
	return nil
}

func (s *FlightServer) Addr() string {
	return s.srv.Addr().String()
}

func (s *FlightServer) Stop() {
	if s.srv != nil {
		s.srv.Shutdown()
	}
}

func (s *FlightServer) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	split, err := ParseSplit(string(tkt.GetTicket()))
	if err != nil {
		return err
	}
	rec, err := buildRecord(memory.NewGoAllocator(), s.data.Samples(split))
	if err != nil {
		return err
	}
	defer rec.Release()

	w := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	defer func() { _ = w.Close() }()
	return w.Write(rec)
}

// FlightClient fetches dataset splits from a FlightServer.
type FlightClient struct {
	addr    string
	client  flight.Client
	timeout time.Duration
}

func NewFlightClient(addr string) *FlightClient {
	return &FlightClient{
		addr:    addr,
		timeout: 30 * time.Second,
	}
}

// Connect establishes connection to the Flight server
func (fc *FlightClient) Connect() error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// FetchSplit streams one split and decodes it into samples.
func (fc *FlightClient) FetchSplit(ctx context.Context, split Split) ([]batch.Sample, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(split.String())})
	if err != nil {
		return nil, fmt.Errorf("failed to start DoGet for %s: %w", split, err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s stream: %w", split, err)
	}
	defer rdr.Release()

	var samples []batch.Sample
	for rdr.Next() {
		if samples, err = appendSamples(samples, rdr.Record()); err != nil {
			return nil, fmt.Errorf("%s split: %w", split, err)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("%s stream failed: %w", split, err)
	}
	return samples, nil
}

// Fetch pulls both splits into a Memory dataset.
func (fc *FlightClient) Fetch(ctx context.Context) (*Memory, error) {
	train, err := fc.FetchSplit(ctx, Train)
	if err != nil {
		return nil, err
	}
	val, err := fc.FetchSplit(ctx, Val)
	if err != nil {
		return nil, err
	}
	return NewMemory(train, val), nil
}
