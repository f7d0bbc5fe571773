// Package ota builds the MQTT topics and payloads an OTA client exchanges
// with the job and stream services. Everything is written into caller-owned
// buffers through strbuild, so a message that does not fit fails cleanly.
package ota

import (
	"errors"
	"fmt"
	"strings"

	"cloudpico-ota/internal/strbuild"
)

const (
	// TopicMaxLen sizes topic buffers.
	TopicMaxLen = 256
	// StatusMaxLen sizes status and request payload buffers.
	StatusMaxLen = 512

	topicPrefix = "$aws/things/"
)

var ErrInvalidTopicPart = errors.New("ota: invalid topic part")

// NotifyNextTopic builds $aws/things/<thing>/jobs/notify-next.
func NotifyNextTopic(buf []byte, thing string) (int, error) {
	return buildTopic(buf, thing, "/jobs/notify-next")
}

// GetNextTopic builds $aws/things/<thing>/jobs/$next/get.
func GetNextTopic(buf []byte, thing string) (int, error) {
	return buildTopic(buf, thing, "/jobs/$next/get")
}

// GetNextAcceptedTopic and GetNextRejectedTopic carry the answers to a
// $next/get request.
func GetNextAcceptedTopic(buf []byte, thing string) (int, error) {
	return buildTopic(buf, thing, "/jobs/$next/get/accepted")
}

func GetNextRejectedTopic(buf []byte, thing string) (int, error) {
	return buildTopic(buf, thing, "/jobs/$next/get/rejected")
}

// JobUpdateTopic builds $aws/things/<thing>/jobs/<jobID>/update.
func JobUpdateTopic(buf []byte, thing, jobID string) (int, error) {
	if err := validPart("job id", jobID); err != nil {
		return 0, err
	}
	return buildTopic(buf, thing, "/jobs/", jobID, "/update")
}

// StreamDataTopic builds $aws/things/<thing>/streams/<stream>/data/json.
func StreamDataTopic(buf []byte, thing, stream string) (int, error) {
	if err := validPart("stream", stream); err != nil {
		return 0, err
	}
	return buildTopic(buf, thing, "/streams/", stream, "/data/json")
}

// StreamDataFilter builds $aws/things/<thing>/streams/+/data/json, matching
// the data topic of every stream.
func StreamDataFilter(buf []byte, thing string) (int, error) {
	return buildTopic(buf, thing, "/streams/+/data/json")
}

// StreamGetTopic builds $aws/things/<thing>/streams/<stream>/get/json.
func StreamGetTopic(buf []byte, thing, stream string) (int, error) {
	if err := validPart("stream", stream); err != nil {
		return 0, err
	}
	return buildTopic(buf, thing, "/streams/", stream, "/get/json")
}

func buildTopic(buf []byte, thing string, parts ...string) (int, error) {
	if err := validPart("thing name", thing); err != nil {
		return 0, err
	}
	b := strbuild.NewBuilder(buf)
	b.WriteString(topicPrefix)
	b.WriteString(thing)
	for _, p := range parts {
		b.WriteString(p)
	}
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("build topic for %q: %w", thing, err)
	}
	return b.Len(), nil
}

func validPart(what, s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty %s", ErrInvalidTopicPart, what)
	}
	if strings.ContainsAny(s, "/+#") {
		return fmt.Errorf("%w: %s %q contains a topic separator or wildcard", ErrInvalidTopicPart, what, s)
	}
	return nil
}
