package natsclient

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/PolygramInfo/IFC-RPC/backend"
	"github.com/PolygramInfo/IFC-RPC/errors"
)

// Dedupe and redelivery windows for queue streams.
const (
	queueDuplicateWindow = 2 * time.Minute
	queueAckWait         = 30 * time.Second
)

// QueueBackend implements backend.Queue on JetStream. Each queue maps
// to its own stream; all receivers of a queue share one durable pull
// consumer, so every message is delivered to exactly one worker.
// Enqueue deduplication rides on JetStream message IDs; group keys
// become subject tokens so a WorkQueue stream keeps per-group FIFO.
type QueueBackend struct {
	client *Client

	mu        sync.Mutex
	streams   map[string]jetstream.Stream
	consumers map[string]jetstream.Consumer
}

// NewQueueBackend creates a queue backend on the given client
func NewQueueBackend(client *Client) *QueueBackend {
	return &QueueBackend{
		client:    client,
		streams:   map[string]jetstream.Stream{},
		consumers: map[string]jetstream.Consumer{},
	}
}

// queueStreamName maps a queue name to its stream name
func queueStreamName(queue string) string {
	return "Q_" + strings.ToUpper(strings.ReplaceAll(queue, "-", "_"))
}

// queueSubject maps a queue and ordering group to a publish subject
func queueSubject(queue, group string) string {
	if group == "" {
		group = "default"
	}
	return "q." + queue + "." + group
}

// ensureStream lazily creates the stream backing a queue
func (q *QueueBackend) ensureStream(ctx context.Context, queue string) (jetstream.Stream, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if stream, ok := q.streams[queue]; ok {
		return stream, nil
	}

	stream, err := q.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       queueStreamName(queue),
		Subjects:   []string{"q." + queue + ".>"},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: queueDuplicateWindow,
	})
	if err != nil {
		return nil, err
	}

	q.streams[queue] = stream
	return stream, nil
}

// ensureConsumer lazily creates the shared worker consumer for a queue
func (q *QueueBackend) ensureConsumer(ctx context.Context, queue string) (jetstream.Consumer, error) {
	if _, err := q.ensureStream(ctx, queue); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if consumer, ok := q.consumers[queue]; ok {
		return consumer, nil
	}

	js, err := q.client.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, queueStreamName(queue), jetstream.ConsumerConfig{
		Durable:   "workers",
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   queueAckWait,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "QueueBackend", "ensureConsumer",
			"create consumer for "+queue)
	}

	q.consumers[queue] = consumer
	return consumer, nil
}

// Enqueue appends a message to the named queue
func (q *QueueBackend) Enqueue(ctx context.Context, queue string, body []byte, opts ...backend.EnqueueOption) error {
	var options backend.EnqueueOptions
	for _, opt := range opts {
		opt(&options)
	}

	if _, err := q.ensureStream(ctx, queue); err != nil {
		return err
	}

	js, err := q.client.JetStream()
	if err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if options.DedupeKey != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(options.DedupeKey))
	}

	if _, err := js.Publish(ctx, queueSubject(queue, options.GroupKey), body, pubOpts...); err != nil {
		return errors.WrapTransient(err, "QueueBackend", "Enqueue", "publish to "+queue)
	}
	return nil
}

// Receive blocks up to maxWait for one message from the named queue
func (q *QueueBackend) Receive(ctx context.Context, queue string, maxWait time.Duration) (*backend.Message, error) {
	consumer, err := q.ensureConsumer(ctx, queue)
	if err != nil {
		return nil, err
	}

	batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(maxWait))
	if err != nil {
		return nil, errors.WrapTransient(err, "QueueBackend", "Receive", "fetch from "+queue)
	}

	for msg := range batch.Messages() {
		return &backend.Message{
			Queue: queue,
			Body:  msg.Data(),
			Token: msg,
		}, nil
	}

	if err := batch.Error(); err != nil {
		return nil, errors.WrapTransient(err, "QueueBackend", "Receive", "fetch from "+queue)
	}
	return nil, errors.ErrNoMessage
}

// Ack acknowledges a received message. Uses a double ack so the removal
// is confirmed by the server before the caller moves on.
func (q *QueueBackend) Ack(ctx context.Context, msg *backend.Message) error {
	token, ok := msg.Token.(jetstream.Msg)
	if !ok {
		return errors.WrapInvalid(errors.New("message token not issued by this backend"),
			"QueueBackend", "Ack", "inspect token")
	}

	if err := token.DoubleAck(ctx); err != nil {
		return errors.WrapTransient(err, "QueueBackend", "Ack", "ack message on "+msg.Queue)
	}
	return nil
}
