package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"bot-backend/internal/messaging"
	"bot-backend/internal/models"
	"bot-backend/internal/scheduler"
)

const (
	Queue   = "broadcast"
	JobName = "broadcast-batch"
)

// Payload is the message sent to every recipient.
type Payload struct {
	Text           string               `json:"text"`
	ParseMode      string               `json:"parse_mode,omitempty"`
	Buttons        [][]messaging.Button `json:"buttons,omitempty"`
	DisablePreview bool                 `json:"disable_preview,omitempty"`
}

func (p Payload) options() messaging.SendOptions {
	return messaging.SendOptions{ParseMode: p.ParseMode, Buttons: p.Buttons, DisablePreview: p.DisablePreview}
}

// DispatchBatch is one job's share of a broadcast.
type DispatchBatch struct {
	RecipientIDs []int64 `json:"recipient_ids"`
	Payload      Payload `json:"payload"`
}

// Ack is returned to the broadcast initiator right away.
type Ack struct {
	Recipients int      `json:"recipients"`
	Batches    int      `json:"batches"`
	JobIDs     []string `json:"job_ids"`
}

type Enqueuer interface {
	Enqueue(ctx context.Context, queue, name string, payload any, opts scheduler.Options) (scheduler.JobHandle, error)
}

// Producer splits a recipient list into fixed-size batch jobs.
type Producer struct {
	jobs      Enqueuer
	batchSize int
	log       *slog.Logger
}

func NewProducer(jobs Enqueuer, batchSize int, log *slog.Logger) *Producer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Producer{jobs: jobs, batchSize: batchSize, log: log}
}

// Enqueue adds one job per batch. On failure the returned Ack covers the
// batches already accepted.
func (p *Producer) Enqueue(ctx context.Context, recipientIDs []int64, payload Payload) (Ack, error) {
	if payload.Text == "" {
		return Ack{}, fmt.Errorf("broadcast text is empty: %w", models.ErrInvalidArgument)
	}
	var ack Ack
	for _, chunk := range Chunk(recipientIDs, p.batchSize) {
		h, err := p.jobs.Enqueue(ctx, Queue, JobName, DispatchBatch{RecipientIDs: chunk, Payload: payload}, scheduler.Options{Attempts: 1})
		if err != nil {
			return ack, fmt.Errorf("enqueue batch %d: %w", ack.Batches+1, err)
		}
		ack.Recipients += len(chunk)
		ack.Batches++
		ack.JobIDs = append(ack.JobIDs, h.ID)
	}
	p.log.Info("broadcast queued", slog.Int("recipients", ack.Recipients), slog.Int("batches", ack.Batches))
	return ack, nil
}

// Chunk splits ids into consecutive slices of at most size elements.
func Chunk(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end:end])
	}
	return chunks
}
