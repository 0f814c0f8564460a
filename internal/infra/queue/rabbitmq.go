package queue

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tweetkeeper/internal/domain"
	"tweetkeeper/internal/infra/metrics"
)

const (
	minPollInterval = 500 * time.Millisecond
	maxPollInterval = 5 * time.Second
	fetchBatchSize  = 8
)

// RabbitMediaQueue реализует очередь задач загрузки медиа через HTTP API
// RabbitMQ. Очередь объявляется durable, сообщения публикуются persistent:
// задачи переживают перезапуск брокера, а потерянную задачу досоздаст
// периодический обход pending-вложений.
type RabbitMediaQueue struct {
	client  *http.Client
	baseURL *url.URL
	vhost   string
	queue   string

	username string
	password string

	mu       sync.Mutex
	declared bool

	// buffered заполняется пакетной выборкой и вычитывается Pop'ом.
	buffered []rabbitMessage
}

// NewRabbitMediaQueue создаёт очередь с использованием AMQP URL и Management API URL.
func NewRabbitMediaQueue(amqpURL, managementURL, queue string) (*RabbitMediaQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	parsed, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("parse amqp url: %w", err)
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	username := parsed.User.Username()
	password, _ := parsed.User.Password()
	vhost := strings.TrimPrefix(parsed.Path, "/")
	if vhost == "" {
		vhost = "/"
	}
	base := strings.TrimSpace(managementURL)
	if base == "" {
		scheme := "http"
		if parsed.Scheme == "amqps" {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s:15672", scheme, parsed.Hostname())
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse management url: %w", err)
	}
	baseURL.Path = strings.TrimRight(baseURL.Path, "/")
	return &RabbitMediaQueue{
		client:   &http.Client{Timeout: 10 * time.Second},
		baseURL:  baseURL,
		vhost:    vhost,
		queue:    queue,
		username: username,
		password: password,
	}, nil
}

// ensureQueue объявляет durable-очередь перед первой публикацией или чтением.
// Повторное объявление с теми же аргументами безопасно, поэтому при ошибке
// следующая операция попробует снова.
func (q *RabbitMediaQueue) ensureQueue(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.declared {
		return nil
	}
	spec := map[string]any{
		"durable":     true,
		"auto_delete": false,
		"arguments":   map[string]any{"x-queue-type": "classic"},
	}
	endpoint := q.endpoint("/api/queues/%s/%s", q.vhost, q.queue)
	resp, err := q.do(ctx, http.MethodPut, endpoint, spec, "declare")
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("declare queue: %s", readError(resp))
	}
	q.declared = true
	return nil
}

// Enqueue публикует задачу в очередь. Сообщение публикуется persistent и
// считается принятым только если брокер смаршрутизировал его в очередь.
func (q *RabbitMediaQueue) Enqueue(ctx context.Context, job domain.MediaJob) error {
	if err := q.ensureQueue(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	reqBody := map[string]any{
		"properties": map[string]any{
			"delivery_mode": 2,
			"content_type":  "application/json",
		},
		"routing_key":      q.queue,
		"payload":          string(payload),
		"payload_encoding": "string",
	}
	endpoint := q.endpoint("/api/exchanges/%s/amq.default/publish", q.vhost)
	resp, err := q.do(ctx, http.MethodPost, endpoint, reqBody, "publish")
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("publish failed: %s", readError(resp))
	}
	var result struct {
		Routed bool `json:"routed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode publish response: %w", err)
	}
	if !result.Routed {
		return fmt.Errorf("publish failed: message not routed to queue %q", q.queue)
	}
	return nil
}

// Pop блокирующе читает задачу из очереди. Сообщения выбираются пакетами и
// буферизуются, при пустой очереди интервал опроса растёт до maxPollInterval.
func (q *RabbitMediaQueue) Pop(ctx context.Context) (domain.MediaJob, error) {
	interval := minPollInterval
	for {
		if err := ctx.Err(); err != nil {
			return domain.MediaJob{}, err
		}
		if len(q.buffered) == 0 {
			messages, err := q.fetchMessages(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return domain.MediaJob{}, ctx.Err()
				}
				return domain.MediaJob{}, err
			}
			q.buffered = messages
		}
		if len(q.buffered) == 0 {
			select {
			case <-ctx.Done():
				return domain.MediaJob{}, ctx.Err()
			case <-time.After(interval):
			}
			if interval *= 2; interval > maxPollInterval {
				interval = maxPollInterval
			}
			continue
		}
		interval = minPollInterval
		msg := q.buffered[0]
		q.buffered = q.buffered[1:]
		job, err := decodeJob(msg)
		if err != nil {
			// Сообщение уже подтверждено брокером, битый payload
			// пропускается в пользу следующего.
			continue
		}
		return job, nil
	}
}

func (q *RabbitMediaQueue) fetchMessages(ctx context.Context) ([]rabbitMessage, error) {
	if err := q.ensureQueue(ctx); err != nil {
		return nil, err
	}
	reqBody := map[string]any{
		"count":    fetchBatchSize,
		"ackmode":  "ack_requeue_false",
		"encoding": "auto",
	}
	endpoint := q.endpoint("/api/queues/%s/%s/get", q.vhost, q.queue)
	resp, err := q.do(ctx, http.MethodPost, endpoint, reqBody, "get")
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch messages failed: %s", readError(resp))
	}
	var messages []rabbitMessage
	if err := json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return messages, nil
}

func (q *RabbitMediaQueue) do(ctx context.Context, method string, endpoint *url.URL, body any, op string) (*http.Response, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.username != "" {
		req.SetBasicAuth(q.username, q.password)
	}
	start := time.Now()
	resp, err := q.client.Do(req)
	metrics.ObserveNetworkRequest("rabbitmq", op, q.queue, start, err)
	return resp, err
}

func (q *RabbitMediaQueue) endpoint(format string, parts ...string) *url.URL {
	escaped := make([]any, len(parts))
	for i, part := range parts {
		escaped[i] = url.PathEscape(part)
	}
	return q.baseURL.ResolveReference(&url.URL{Path: fmt.Sprintf(format, escaped...)})
}

func readError(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
}

func decodeJob(msg rabbitMessage) (domain.MediaJob, error) {
	raw := []byte(msg.Payload)
	if msg.PayloadEncoding == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			return domain.MediaJob{}, fmt.Errorf("decode payload: %w", err)
		}
		raw = decoded
	}
	var job domain.MediaJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return domain.MediaJob{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

type rabbitMessage struct {
	Payload         string `json:"payload"`
	PayloadEncoding string `json:"payload_encoding"`
}
