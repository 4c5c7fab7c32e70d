package neterr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/gorilla/websocket"

	"walletnet/internal/jsonrpc"
)

// Normalize translates any error into an *Error.
// Errors that already are *Error are returned unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	if e, ok := As(err); ok {
		return e
	}

	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, "", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimeout, "", err)
	}

	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return &Error{
			Kind:    KindServerRejected,
			Message: rpcErr.Message,
			Code:    rpcErr.Code,
			Err:     err,
		}
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		e := Wrap(KindTransport, "connection closed", err)
		e.Message = closeErr.Text
		return e.With("closeCode", strconv.Itoa(closeErr.Code))
	}
	if errors.Is(err, websocket.ErrBadHandshake) {
		return Wrap(KindTransport, "bad handshake", err)
	}
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return Wrap(KindTransport, "connection closed", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Wrap(KindNetwork, "dns", err).With("host", dnsErr.Name)
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return Wrap(KindNetwork, "tls", err)
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return Wrap(KindNetwork, "tls", err)
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return Wrap(KindNetwork, "tls", err)
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return Wrap(KindNetwork, "tls", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Wrap(KindTimeout, "network", err)
		}
		return Wrap(KindTransport, "network", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return Wrap(KindEncoding, "json syntax", err)
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return Wrap(KindEncoding, "json type", err)
	}
	var hexErr hex.InvalidByteError
	if errors.As(err, &hexErr) || errors.Is(err, hex.ErrLength) {
		return Wrap(KindEncoding, "hex", err)
	}

	return Wrap(KindUnknown, "", err)
}

// ProtocolViolation reports a malformed or empty server response
func ProtocolViolation(method, message string) *Error {
	return &Error{Kind: KindProtocol, Reason: method, Message: message}
}
