package ota

import (
	"errors"
	"fmt"

	"cloudpico-ota/internal/strbuild"
)

// JobStatus is the status reported on a job update topic.
type JobStatus string

const (
	StatusQueued     JobStatus = "QUEUED"
	StatusInProgress JobStatus = "IN_PROGRESS"
	StatusSucceeded  JobStatus = "SUCCEEDED"
	StatusFailed     JobStatus = "FAILED"
	StatusRejected   JobStatus = "REJECTED"
)

func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusInProgress, StatusSucceeded, StatusFailed, StatusRejected:
		return true
	}
	return false
}

var ErrInvalidField = errors.New("ota: invalid payload field")

var versionEncoder = strbuild.NewEncoder(strbuild.Options{Base: strbuild.Hex, Prefix: true})

// InProgressStatus builds
// {"status":"IN_PROGRESS","statusDetails":{"receive":"<received>/<total>"}}.
func InProgressStatus(buf []byte, received, total uint32) (int, error) {
	b := strbuild.NewBuilder(buf)
	b.WriteString(`{"status":"`)
	b.WriteString(string(StatusInProgress))
	b.WriteString(`","statusDetails":{"receive":"`)
	b.WriteUint32Decimal(received)
	b.WriteByte('/')
	b.WriteUint32Decimal(total)
	b.WriteString(`"}}`)
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("build in-progress status: %w", err)
	}
	return b.Len(), nil
}

// FinalStatus builds
// {"status":"<status>","statusDetails":{"reason":"<reason>","updatedBy":"0x<version>"}}.
func FinalStatus(buf []byte, status JobStatus, reason string, version uint32) (int, error) {
	return FinalStatusWith(buf, versionEncoder, status, reason, version)
}

// FinalStatusWith is FinalStatus with the version rendered by enc.
func FinalStatusWith(buf []byte, enc strbuild.Encoder, status JobStatus, reason string, version uint32) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%w: status %q", ErrInvalidField, status)
	}
	if err := jsonSafe("reason", reason); err != nil {
		return 0, err
	}
	b := strbuild.NewBuilder(buf)
	b.WriteString(`{"status":"`)
	b.WriteString(string(status))
	b.WriteString(`","statusDetails":{"reason":"`)
	b.WriteString(reason)
	b.WriteString(`","updatedBy":"`)
	b.WriteUint32(enc, version)
	b.WriteString(`"}}`)
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("build %s status: %w", status, err)
	}
	return b.Len(), nil
}

// BlockRequest builds a stream get request for count blocks starting at
// block offset: {"c":"<token>","f":<file>,"l":<size>,"o":<offset>,"n":<count>}.
func BlockRequest(buf []byte, clientToken string, fileID, blockSize, offset, count uint32) (int, error) {
	if err := jsonSafe("client token", clientToken); err != nil {
		return 0, err
	}
	b := strbuild.NewBuilder(buf)
	b.WriteString(`{"c":"`)
	b.WriteString(clientToken)
	b.WriteString(`","f":`)
	b.WriteUint32Decimal(fileID)
	b.WriteString(`,"l":`)
	b.WriteUint32Decimal(blockSize)
	b.WriteString(`,"o":`)
	b.WriteUint32Decimal(offset)
	b.WriteString(`,"n":`)
	b.WriteUint32Decimal(count)
	b.WriteByte('}')
	if err := b.Err(); err != nil {
		return 0, fmt.Errorf("build block request: %w", err)
	}
	return b.Len(), nil
}

// jsonSafe rejects strings that would need escaping inside a JSON string.
func jsonSafe(what, s string) error {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == '"' || c == '\\' {
			return fmt.Errorf("%w: %s %q needs escaping", ErrInvalidField, what, s)
		}
	}
	return nil
}
