// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Read pulls one frame off r and decodes it into a Message. It returns
// ErrEOF when the stream closes cleanly at a frame boundary, and
// ErrUnexpectedEOF when it closes mid-frame.
func Read(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return Message{}, ErrEOF
		}
		return Message{}, fmt.Errorf("%w: reading frame length: %v", ErrUnexpectedEOF, err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxFrame {
		return Message{}, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrOversize, length, MaxFrame)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("%w: reading frame payload: %v", ErrUnexpectedEOF, err)
	}

	return decode(payload)
}

// Write encodes msg and writes it to w as a single length-prefixed
// frame. Short writes are handled internally via io.Writer's contract
// (net.Conn.Write either writes everything or returns an error); a
// write error on a net.Conn indicates the peer closed and is reported
// as ErrBrokenPipe.
func Write(w io.Writer, msg Message) error {
	payload, err := encode(msg)
	if err != nil {
		return err
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)

	if _, err := w.Write(frame); err != nil {
		if _, isNetErr := w.(net.Conn); isNetErr {
			return fmt.Errorf("%w: %v", ErrBrokenPipe, err)
		}
		return fmt.Errorf("protocol: writing frame: %w", err)
	}
	return nil
}

func encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Tag))

	switch msg.Tag {
	case TagLogin:
		buf.WriteByte(msg.ProtoVersion)
		writeAuth(&buf, msg.Auth)
		writeSize(&buf, msg.Size)
		writeString(&buf, msg.TermType)
	case TagStartCasting:
	case TagStartWatching:
		writeString(&buf, msg.StreamID)
	case TagHeartbeat:
	case TagTerminalOutput:
		if len(msg.Data) == 0 {
			return nil, ErrEmptyChunk
		}
		if len(msg.Data) > MaxChunk {
			return nil, fmt.Errorf("%w: terminal output chunk of %d bytes exceeds %d", ErrOversize, len(msg.Data), MaxChunk)
		}
		writeBytes(&buf, msg.Data)
	case TagResize:
		writeSize(&buf, msg.Size)
	case TagListSessions:
	case TagSessions:
		writeUint32(&buf, uint32(len(msg.Sessions)))
		for _, s := range msg.Sessions {
			writeSession(&buf, s)
		}
	case TagDisconnected:
	case TagError:
		writeString(&buf, msg.Msg)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidTag, msg.Tag)
	}

	if buf.Len() > MaxFrame {
		return nil, fmt.Errorf("%w: encoded frame of %d bytes exceeds %d", ErrOversize, buf.Len(), MaxFrame)
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) (Message, error) {
	r := bytes.NewReader(payload)

	tagByte, err := r.ReadByte()
	if err != nil {
		return Message{}, fmt.Errorf("%w: empty payload", ErrUnexpectedEOF)
	}
	tag := Tag(tagByte)

	msg := Message{Tag: tag}

	switch tag {
	case TagLogin:
		version, err := r.ReadByte()
		if err != nil {
			return Message{}, fmt.Errorf("%w: reading login version", ErrUnexpectedEOF)
		}
		msg.ProtoVersion = version

		auth, err := readAuth(r)
		if err != nil {
			return Message{}, err
		}
		msg.Auth = auth

		size, err := readSize(r)
		if err != nil {
			return Message{}, err
		}
		msg.Size = size

		termType, err := readString(r)
		if err != nil {
			return Message{}, err
		}
		msg.TermType = termType

	case TagStartCasting:
	case TagStartWatching:
		id, err := readString(r)
		if err != nil {
			return Message{}, err
		}
		msg.StreamID = id

	case TagHeartbeat:
	case TagTerminalOutput:
		data, err := readBytes(r)
		if err != nil {
			return Message{}, err
		}
		if len(data) == 0 {
			return Message{}, ErrEmptyChunk
		}
		msg.Data = data

	case TagResize:
		size, err := readSize(r)
		if err != nil {
			return Message{}, err
		}
		msg.Size = size

	case TagListSessions:
	case TagSessions:
		count, err := readUint32(r)
		if err != nil {
			return Message{}, err
		}
		sessions := make([]Session, 0, count)
		for i := uint32(0); i < count; i++ {
			s, err := readSession(r)
			if err != nil {
				return Message{}, err
			}
			sessions = append(sessions, s)
		}
		msg.Sessions = sessions

	case TagDisconnected:
	case TagError:
		m, err := readString(r)
		if err != nil {
			return Message{}, err
		}
		msg.Msg = m

	default:
		return Message{}, fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}

	return msg, nil
}

func writeAuth(buf *bytes.Buffer, a Auth) {
	buf.WriteByte(byte(a.Kind))
	switch a.Kind {
	case AuthPlain:
		writeString(buf, a.Username)
	case AuthRecurseCenter:
		if a.HasToken {
			buf.WriteByte(1)
			writeString(buf, a.Token)
		} else {
			buf.WriteByte(0)
		}
	}
}

func readAuth(r *bytes.Reader) (Auth, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Auth{}, fmt.Errorf("%w: reading auth kind", ErrUnexpectedEOF)
	}
	kind := AuthKind(kindByte)

	switch kind {
	case AuthPlain:
		username, err := readString(r)
		if err != nil {
			return Auth{}, err
		}
		return PlainAuth(username), nil
	case AuthRecurseCenter:
		has, err := r.ReadByte()
		if err != nil {
			return Auth{}, fmt.Errorf("%w: reading auth option tag", ErrUnexpectedEOF)
		}
		if has == 0 {
			return RecurseCenterAuthStart(), nil
		}
		token, err := readString(r)
		if err != nil {
			return Auth{}, err
		}
		return RecurseCenterAuthToken(token), nil
	default:
		return Auth{}, fmt.Errorf("%w: unknown auth kind %d", ErrInvalidTag, kind)
	}
}

func writeSize(buf *bytes.Buffer, s Size) {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], s.Rows)
	binary.BigEndian.PutUint16(b[2:4], s.Cols)
	buf.Write(b[:])
}

func readSize(r *bytes.Reader) (Size, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Size{}, fmt.Errorf("%w: reading size", ErrUnexpectedEOF)
	}
	return Size{Rows: binary.BigEndian.Uint16(b[0:2]), Cols: binary.BigEndian.Uint16(b[2:4])}, nil
}

func writeSession(buf *bytes.Buffer, s Session) {
	writeString(buf, s.ID)
	writeString(buf, s.Username)
	writeString(buf, s.TermType)
	writeSize(buf, s.Size)
	writeUint32(buf, s.IdleTimeS)
	writeString(buf, s.Title)
	writeUint32(buf, s.WatcherCount)
}

func readSession(r *bytes.Reader) (Session, error) {
	id, err := readString(r)
	if err != nil {
		return Session{}, err
	}
	username, err := readString(r)
	if err != nil {
		return Session{}, err
	}
	termType, err := readString(r)
	if err != nil {
		return Session{}, err
	}
	size, err := readSize(r)
	if err != nil {
		return Session{}, err
	}
	idle, err := readUint32(r)
	if err != nil {
		return Session{}, err
	}
	title, err := readString(r)
	if err != nil {
		return Session{}, err
	}
	watchers, err := readUint32(r)
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID: id, Username: username, TermType: termType, Size: size,
		IdleTimeS: idle, Title: title, WatcherCount: watchers,
	}, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: reading uint32", ErrUnexpectedEOF)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	length, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, length)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: reading %d-byte blob", ErrUnexpectedEOF, length)
	}
	return b, nil
}
