package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

const (
	headerDelay      = "x-delay"
	headerRetryCount = "x-retry-count"
)

// AMQPConfig names the broker objects the queue declares.
type AMQPConfig struct {
	URL      string
	Queue    string
	Exchange string
}

// AMQPQueue delivers tasks through RabbitMQ. Delays rely on the
// x-delayed-message exchange plugin.
type AMQPQueue struct {
	cfg  AMQPConfig
	conn *amqp.Connection

	pubMu sync.Mutex
	pub   *amqp.Channel

	log *logrus.Entry
}

func NewAMQPQueue(cfg AMQPConfig) (*AMQPQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	if err := declare(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &AMQPQueue{
		cfg:  cfg,
		conn: conn,
		pub:  ch,
		log:  logrus.WithFields(logrus.Fields{"component": "queue", "queue": cfg.Queue}),
	}, nil
}

func declare(ch *amqp.Channel, cfg AMQPConfig) error {
	err := ch.ExchangeDeclare(
		cfg.Exchange,
		"x-delayed-message",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		amqp.Table{"x-delayed-type": "direct"},
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

// buildPublishing encodes task as a persistent message held back for delay.
func buildPublishing(task *Task, delay time.Duration) (amqp.Publishing, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return amqp.Publishing{}, err
	}
	if delay < 0 {
		delay = 0
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    task.JobID,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			headerDelay:      delay.Milliseconds(),
			headerRetryCount: int64(task.Attempt - 1),
		},
		Body: body,
	}, nil
}

// decodeTask reads a task back from a delivery body. The retry header wins
// over the body when both are present.
func decodeTask(body []byte, headers amqp.Table) (*Task, error) {
	var task Task
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, err
	}
	if n, ok := headerInt(headers, headerRetryCount); ok {
		task.Attempt = int(n) + 1
	}
	normalize(&task)
	return &task, nil
}

func headerInt(headers amqp.Table, key string) (int64, bool) {
	switch v := headers[key].(type) {
	case int:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}

func (q *AMQPQueue) Publish(ctx context.Context, task *Task, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	normalize(task)

	msg, err := buildPublishing(task, delay)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", task.JobID, err)
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if err := q.pub.Publish(q.cfg.Exchange, q.cfg.Queue, false, false, msg); err != nil {
		return fmt.Errorf("publish task %s: %w", task.JobID, err)
	}
	return nil
}

// Subscribe consumes with manual acks. Failed attempts are re-published with
// a backoff delay and the original delivery is acked.
func (q *AMQPQueue) Subscribe(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := ch.Consume(
		q.cfg.Queue,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	q.log.WithField("concurrency", concurrency).Info("🐇 worker consuming")

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					q.deliver(ctx, handler, d)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (q *AMQPQueue) deliver(ctx context.Context, handler Handler, d amqp.Delivery) {
	task, err := decodeTask(d.Body, d.Headers)
	if err != nil {
		q.log.WithError(err).Warn("⚠️ invalid task payload, dropping")
		d.Ack(false)
		return
	}

	logger := q.log.WithFields(logrus.Fields{"job_id": task.JobID, "attempt": task.Attempt})

	err = safeHandle(ctx, handler, task)
	if err == nil || IsPermanent(err) || task.Final() {
		if err != nil {
			logger.WithError(err).Warn("⚠️ job permanently failed")
		}
		d.Ack(false)
		return
	}

	delay := task.Backoff.Delay(task.Attempt)
	task.Attempt++
	if perr := q.Publish(context.WithoutCancel(ctx), task, delay); perr != nil {
		logger.WithError(perr).Error("❌ failed to schedule retry, requeueing")
		d.Nack(false, true)
		return
	}
	logger.WithError(err).WithField("retry_in", delay).Info("🔁 job failed, retrying")
	d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.pub != nil {
		q.pub.Close()
	}
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
