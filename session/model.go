package session

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

const schemaVersion1 = 1

// Origin carries the network metadata captured at login time.
type Origin struct {
	IP        string
	UserAgent string
}

// Session is one live login. CreatedAt and LastAccessedAt are Unix seconds.
type Session struct {
	SessionID      string
	UserID         string
	Email          string
	CorrelationID  string
	Origin         Origin
	CreatedAt      int64
	LastAccessedAt int64
}

// Encode serializes a session into the versioned binary blob stored in
// Redis. The session ID is the storage key and is not part of the blob.
func Encode(sess *Session) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(schemaVersion1)

	if err := binary.Write(&buf, binary.BigEndian, sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, sess.LastAccessedAt); err != nil {
		return nil, err
	}

	for _, field := range []string{
		sess.UserID, sess.Email, sess.CorrelationID,
		sess.Origin.IP, sess.Origin.UserAgent,
	} {
		if len(field) > 65535 {
			return nil, errors.New("session field too long")
		}
		if err := binary.Write(&buf, binary.BigEndian, uint16(len(field))); err != nil {
			return nil, err
		}
		buf.WriteString(field)
	}

	return buf.Bytes(), nil
}

// Decode parses a stored session blob.
func Decode(data []byte) (*Session, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != schemaVersion1 {
		return nil, errors.New("invalid session schema version")
	}

	sess := &Session{}
	if err := binary.Read(reader, binary.BigEndian, &sess.CreatedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &sess.LastAccessedAt); err != nil {
		return nil, err
	}

	for _, field := range []*string{
		&sess.UserID, &sess.Email, &sess.CorrelationID,
		&sess.Origin.IP, &sess.Origin.UserAgent,
	} {
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

	return sess, nil
}
