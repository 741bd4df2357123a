package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"tasks-api/domain"
)

// Queue publishes task events to a durable storage queue. Delivery is
// at-least-once; the SDK retry policy provides the bounded internal retry.
type Queue struct {
	client *azqueue.QueueClient
}

// NewQueue creates a publisher bound to the given events queue.
func NewQueue(connStr, eventsQueue string) (*Queue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	client, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &opts)
	if err != nil {
		return nil, err
	}
	return &Queue{client: client}, nil
}

// Emit enqueues a single task event as a JSON message.
func (q *Queue) Emit(ctx context.Context, ev domain.TaskEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueMessage(ctx, string(data), nil)
	return err
}
