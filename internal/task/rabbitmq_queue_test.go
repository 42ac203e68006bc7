package task

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestJobPublishing(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	immediate := jobPublishing("job-1", 0, now)
	assert.Equal(t, "job-1", immediate.MessageId)
	assert.Equal(t, []byte("job-1"), immediate.Body)
	assert.Equal(t, jobMessageType, immediate.Type)
	assert.Equal(t, amqp.Persistent, immediate.DeliveryMode)
	assert.Empty(t, immediate.Expiration)

	delayed := jobPublishing("job-1", 5*time.Second, now)
	assert.Equal(t, "5000", delayed.Expiration)

	tiny := jobPublishing("job-1", time.Microsecond, now)
	assert.Equal(t, "1", tiny.Expiration)
}

func TestDelayQueueArgsDeadLetterToMainQueue(t *testing.T) {
	args := delayQueueArgs("sweep.jobs")
	assert.Equal(t, "", args["x-dead-letter-exchange"])
	assert.Equal(t, "sweep.jobs", args["x-dead-letter-routing-key"])
}
