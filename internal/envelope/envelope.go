// Package envelope implements the RFNet message envelope: a signed REST
// request wrapper and its response, carried as the payload of a Data
// transfer once reassembled by a send/recv block pair.
package envelope

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

const signatureSize = ed25519.SignatureSize // 64 bytes

// MsgType discriminates the kind of payload a Request or Response
// envelope carries.
type MsgType uint8

const (
	MsgReserved MsgType = 0
	MsgREST     MsgType = 1
	MsgRaw      MsgType = 2
)

// RESTMethod enumerates the HTTP methods RFNet can express over the
// wire.
type RESTMethod uint8

const (
	MethodGET RESTMethod = iota
	MethodPUT
	MethodPOST
	MethodPATCH
	MethodDELETE
)

var methodTokens = map[RESTMethod]string{
	MethodGET:    "GET",
	MethodPUT:    "PUT",
	MethodPOST:   "POST",
	MethodPATCH:  "PATCH",
	MethodDELETE: "DELETE",
}

var tokenMethods = map[string]RESTMethod{
	"GET":    MethodGET,
	"PUT":    MethodPUT,
	"POST":   MethodPOST,
	"PATCH":  MethodPATCH,
	"DELETE": MethodDELETE,
}

// RESTRequest is the REST-specific payload of a RequestMessage.
type RESTRequest struct {
	Method  RESTMethod
	URL     string
	Headers string
	Body    []byte
}

// RequestMessage is what a Node sends to a Link: a signed envelope
// identifying the caller, a correlation sequence id, and either a REST
// call or an opaque Raw payload.
type RequestMessage struct {
	Signature  [signatureSize]byte
	Addr       string
	SequenceID uint16
	MsgType    MsgType
	REST       RESTRequest // valid when MsgType == MsgREST
	Raw        []byte      // valid when MsgType == MsgRaw
}

// RESTResponse is the REST-specific payload of a ResponseMessage.
type RESTResponse struct {
	Code uint16
	Body []byte
}

// ResponseMessage is what a Link sends back to a Node once it has
// executed the request.
type ResponseMessage struct {
	MsgType MsgType
	REST    RESTResponse
	Raw     []byte
}

// signedPortion returns the bytes a RequestMessage's signature covers:
// everything after the signature field itself.
func signedPortion(addr string, sequenceID uint16, msgType MsgType, payload []byte) []byte {
	var buf bytes.Buffer

	buf.WriteString(addr)
	buf.WriteByte(0)

	var seq [2]byte
	binary.BigEndian.PutUint16(seq[:], sequenceID)
	buf.Write(seq[:])

	buf.WriteByte(byte(msgType))
	buf.Write(payload)

	return buf.Bytes()
}

func encodeRESTPayload(r RESTRequest) ([]byte, error) {
	token, ok := methodTokens[r.Method]
	if !ok {
		return nil, fmt.Errorf("%w: unknown REST method %d", ErrMalformed, r.Method)
	}

	var buf bytes.Buffer
	buf.WriteString(token)
	buf.WriteByte(0)
	buf.WriteString(r.URL)
	buf.WriteByte(0)
	buf.WriteString(r.Headers)
	buf.WriteByte(0)
	buf.Write(r.Body)

	return buf.Bytes(), nil
}

// EncodeRequest serializes msg and signs it with priv, returning the
// full wire envelope.
func EncodeRequest(msg RequestMessage, priv ed25519.PrivateKey) ([]byte, error) {
	var payload []byte
	var err error

	switch msg.MsgType {
	case MsgREST:
		payload, err = encodeRESTPayload(msg.REST)
		if err != nil {
			return nil, err
		}
	case MsgRaw:
		payload = msg.Raw
	default:
		return nil, fmt.Errorf("%w: unknown msg_type %d", ErrMalformed, msg.MsgType)
	}

	signed := signedPortion(msg.Addr, msg.SequenceID, msg.MsgType, payload)
	sig := ed25519.Sign(priv, signed)

	out := make([]byte, 0, signatureSize+len(signed))
	out = append(out, sig...)
	out = append(out, signed...)

	return out, nil
}

func splitNUL(data []byte) (field, rest []byte, err error) {
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return nil, nil, fmt.Errorf("%w: missing NUL terminator", ErrMalformed)
	}

	return data[:idx], data[idx+1:], nil
}

func decodeRESTPayload(data []byte) (RESTRequest, error) {
	methodTok, rest, err := splitNUL(data)
	if err != nil {
		return RESTRequest{}, err
	}

	method, ok := tokenMethods[string(methodTok)]
	if !ok {
		return RESTRequest{}, fmt.Errorf("%w: invalid method token %q", ErrMalformed, methodTok)
	}

	urlBytes, rest, err := splitNUL(rest)
	if err != nil {
		return RESTRequest{}, err
	}
	if !utf8.Valid(urlBytes) {
		return RESTRequest{}, fmt.Errorf("%w: url is not valid UTF-8", ErrMalformed)
	}

	headerBytes, rest, err := splitNUL(rest)
	if err != nil {
		return RESTRequest{}, err
	}
	if !utf8.Valid(headerBytes) {
		return RESTRequest{}, fmt.Errorf("%w: headers are not valid UTF-8", ErrMalformed)
	}

	return RESTRequest{
		Method:  method,
		URL:     string(urlBytes),
		Headers: string(headerBytes),
		Body:    append([]byte{}, rest...),
	}, nil
}

// DecodeRequest parses a wire envelope into a RequestMessage without
// checking the signature; callers that need authentication should also
// call Verify.
func DecodeRequest(data []byte) (RequestMessage, error) {
	if len(data) < signatureSize+1+2+1 {
		return RequestMessage{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}

	msg := RequestMessage{}
	copy(msg.Signature[:], data[:signatureSize])
	rest := data[signatureSize:]

	addrBytes, rest, err := splitNUL(rest)
	if err != nil {
		return RequestMessage{}, err
	}
	if !utf8.Valid(addrBytes) {
		return RequestMessage{}, fmt.Errorf("%w: addr is not valid UTF-8", ErrMalformed)
	}
	msg.Addr = string(addrBytes)

	if len(rest) < 3 {
		return RequestMessage{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}

	msg.SequenceID = binary.BigEndian.Uint16(rest[:2])
	msg.MsgType = MsgType(rest[2])
	payload := rest[3:]

	switch msg.MsgType {
	case MsgREST:
		rst, err := decodeRESTPayload(payload)
		if err != nil {
			return RequestMessage{}, err
		}
		msg.REST = rst
	case MsgRaw:
		msg.Raw = append([]byte{}, payload...)
	default:
		return RequestMessage{}, fmt.Errorf("%w: unknown msg_type %d", ErrMalformed, msg.MsgType)
	}

	return msg, nil
}

// Verify reports whether data's signature verifies against any of
// allowedKeys. The signed portion is everything after the signature
// field, recomputed from scratch so Verify does not need a successfully
// decoded RequestMessage.
func Verify(data []byte, allowedKeys []ed25519.PublicKey) bool {
	if len(data) < signatureSize {
		return false
	}

	sig := data[:signatureSize]
	signed := data[signatureSize:]

	for _, key := range allowedKeys {
		if ed25519.Verify(key, signed, sig) {
			return true
		}
	}

	return false
}

// EncodeResponse serializes msg into a wire envelope. Responses are not
// signed: the Node already authenticated the session via the request.
func EncodeResponse(msg ResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.MsgType))

	switch msg.MsgType {
	case MsgREST:
		var code [2]byte
		binary.BigEndian.PutUint16(code[:], msg.REST.Code)
		buf.Write(code[:])
		buf.Write(msg.REST.Body)
	case MsgRaw:
		buf.Write(msg.Raw)
	default:
		return nil, fmt.Errorf("%w: unknown msg_type %d", ErrMalformed, msg.MsgType)
	}

	return buf.Bytes(), nil
}

// DecodeResponse parses a wire envelope into a ResponseMessage.
func DecodeResponse(data []byte) (ResponseMessage, error) {
	if len(data) < 1 {
		return ResponseMessage{}, fmt.Errorf("%w: truncated", ErrMalformed)
	}

	msg := ResponseMessage{MsgType: MsgType(data[0])}
	payload := data[1:]

	switch msg.MsgType {
	case MsgREST:
		if len(payload) < 2 {
			return ResponseMessage{}, fmt.Errorf("%w: truncated", ErrMalformed)
		}
		msg.REST = RESTResponse{
			Code: binary.BigEndian.Uint16(payload[:2]),
			Body: append([]byte{}, payload[2:]...),
		}
	case MsgRaw:
		msg.Raw = append([]byte{}, payload...)
	default:
		return ResponseMessage{}, fmt.Errorf("%w: unknown msg_type %d", ErrMalformed, msg.MsgType)
	}

	return msg, nil
}
