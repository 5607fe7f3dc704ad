package refresh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const recordVersion1 = 1

// RevocationReason records why a token record was revoked.
type RevocationReason string

const (
	// ReasonRotated marks the normal single-use consumption during rotation.
	ReasonRotated RevocationReason = "rotated"
	// ReasonReplay marks family revocation after replay detection.
	ReasonReplay RevocationReason = "replay_detected"
	// ReasonLogout marks revocation on explicit logout.
	ReasonLogout RevocationReason = "logout"
	// ReasonPasswordReset marks mass revocation after a password reset.
	ReasonPasswordReset RevocationReason = "password_reset"
)

// Record is one durable refresh-token record. TokenHash is the sha256 hex of
// the raw token; the raw token is never stored.
type Record struct {
	ID            string
	UserID        string
	FamilyID      string
	TokenHash     string
	CorrelationID string
	IP            string
	UserAgent     string
	ExpiresAt     int64
	Revoked       bool
	RevokedAt     int64
	Reason        RevocationReason
}

func encodeRecord(rec *Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion1)

	if rec.Revoked {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if err := binary.Write(&buf, binary.BigEndian, rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, rec.RevokedAt); err != nil {
		return nil, err
	}

	for _, field := range []string{
		rec.ID, rec.UserID, rec.FamilyID, rec.TokenHash,
		rec.CorrelationID, rec.IP, rec.UserAgent, string(rec.Reason),
	} {
		if len(field) > 65535 {
			return nil, errors.New("refresh record field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (*Record, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != recordVersion1 {
		return nil, errors.New("invalid refresh record version")
	}

	revoked, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	rec := &Record{Revoked: revoked == 1}
	if err := binary.Read(reader, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &rec.RevokedAt); err != nil {
		return nil, err
	}

	fields := []*string{
		&rec.ID, &rec.UserID, &rec.FamilyID, &rec.TokenHash,
		&rec.CorrelationID, &rec.IP, &rec.UserAgent,
	}
	reason := ""
	fields = append(fields, &reason)

	for _, field := range fields {
		var length uint16
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			return nil, err
		}
		raw := make([]byte, length)
		if _, err := io.ReadFull(reader, raw); err != nil {
			return nil, err
		}
		*field = string(raw)
	}
	rec.Reason = RevocationReason(reason)

	return rec, nil
}
