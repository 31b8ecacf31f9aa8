package bus

import (
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderError             = "x-error"
	HeaderReason            = "x-dead-letter-reason"
	HeaderAttempts          = "x-attempts"
)

var _ propagation.TextMapCarrier = headerCarrier{}

// headerCarrier adapts Kafka headers for trace context propagation.
type headerCarrier struct {
	headers *[]kafka.Header
}

func (c headerCarrier) Get(key string) string {
	for _, h := range *c.headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func deadLetterHeaders(msg kafka.Message, reason string, cause error, attempts int) []kafka.Header {
	headers := make([]kafka.Header, 0, len(msg.Headers)+6)
	headers = append(headers, msg.Headers...)
	carrier := headerCarrier{headers: &headers}

	carrier.Set(HeaderOriginalTopic, msg.Topic)
	carrier.Set(HeaderOriginalPartition, strconv.Itoa(msg.Partition))
	carrier.Set(HeaderOriginalOffset, strconv.FormatInt(msg.Offset, 10))
	carrier.Set(HeaderReason, reason)
	carrier.Set(HeaderAttempts, strconv.Itoa(attempts))
	if cause != nil {
		carrier.Set(HeaderError, cause.Error())
	}
	return headers
}
