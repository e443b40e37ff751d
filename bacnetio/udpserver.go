package bacnetio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/northwing-bms/bacnet-gateway/bacnet"
)

// ErrCodecUnavailable is returned by the default decoder: encoding/decoding
// actual BACnet APDU bytes (ASN.1, NPDU/APDU framing) is out of scope for
// this gateway and must be supplied by a real BACnet stack.
var ErrCodecUnavailable = errors.New("bacnetio: APDU codec not installed")

// ServiceKind identifies which installed Handlers method a decoded request
// should dispatch to.
type ServiceKind int

const (
	ServiceWhoIs ServiceKind = iota
	ServiceReadProperty
	ServiceReadPropertyMultiple
	ServiceWriteProperty
	ServiceSubscribeCOV
	ServiceSubscribeCOVProperty
)

// Request is a decoded BACnet service request, already past the ASN.1/NPDU
// boundary this gateway does not implement.
type Request struct {
	Kind       ServiceKind
	Source     net.Addr
	Object     bacnet.ObjectID
	Properties []bacnet.PropertyID
	Property   bacnet.PropertyID
	Value      bacnet.Value
	ProcessID  uint32
	Confirmed  bool
	Lifetime   uint32
}

// Decoder turns raw UDP bytes into a Request. Production deployments supply
// an implementation backed by a real BACnet ASN.1 library; there is no
// built-in one here.
type Decoder interface {
	Decode(raw []byte, from net.Addr) (Request, error)
}

// Encoder turns a response (or COV notification) into raw UDP bytes for the
// wire. Same boundary as Decoder.
type Encoder interface {
	EncodeResponse(req Request, result any, err error) ([]byte, error)
	EncodeCOVNotification(n bacnet.COVNotification) ([]byte, error)
}

// UDPServer owns a UDP socket and the ~10ms receive+dispatch poll loop from
// the concurrency model. It demonstrates the installation/dispatch boundary
// for BACnet services; it does not implement ASN.1 encode/decode itself —
// that's supplied via Decoder/Encoder.
type UDPServer struct {
	conn     net.PacketConn
	handlers Handlers
	decoder  Decoder
	encoder  Encoder
}

// NewUDPServer binds a UDP socket on port and wires in the installed
// Handlers plus the codec implementations the deployment provides. handlers
// may be nil and installed later via SetHandlers, for callers that must
// break a construction cycle between the server and its handler set.
func NewUDPServer(port int, handlers Handlers, decoder Decoder, encoder Encoder) (*UDPServer, error) {
	conn, err := net.ListenPacket("udp", udpAddr(port))
	if err != nil {
		return nil, err
	}
	return &UDPServer{conn: conn, handlers: handlers, decoder: decoder, encoder: encoder}, nil
}

// SetHandlers installs (or replaces) the dispatch target after construction.
func (s *UDPServer) SetHandlers(handlers Handlers) {
	s.handlers = handlers
}

func udpAddr(port int) string {
	return ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Serve runs the receive+dispatch poll loop until ctx is cancelled. The
// 10ms read deadline matches the concurrency model's poll interval for the
// BACnet wire thread — no busy-wait, no indefinite block.
func (s *UDPServer) Serve(ctx context.Context) error {
	buf := make([]byte, 1500)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
		s.dispatch(buf[:n], from)
	}
}

func (s *UDPServer) dispatch(raw []byte, from net.Addr) {
	if s.decoder == nil {
		log.Printf("bacnetio: dropping inbound packet from %s: %v", from, ErrCodecUnavailable)
		return
	}
	req, err := s.decoder.Decode(raw, from)
	if err != nil {
		log.Printf("bacnetio: decode failed from %s: %v", from, err)
		return
	}

	var result any
	switch req.Kind {
	case ServiceWhoIs:
		result = s.handlers.WhoIs()
	case ServiceReadProperty:
		result, err = s.handlers.ReadProperty(req.Object, req.Property)
	case ServiceReadPropertyMultiple:
		result, err = s.handlers.ReadPropertyMultiple(req.Object, req.Properties)
	case ServiceWriteProperty:
		err = s.handlers.WriteProperty(req.Object, req.Property, req.Value)
	case ServiceSubscribeCOV:
		result, err = s.handlers.SubscribeCOV(req.ProcessID, from.String(), req.Object, req.Confirmed, req.Lifetime)
	case ServiceSubscribeCOVProperty:
		result, err = s.handlers.SubscribeCOVProperty(req.ProcessID, from.String(), req.Object, req.Property, req.Confirmed, req.Lifetime)
	}

	if s.encoder == nil {
		return
	}
	respBytes, encErr := s.encoder.EncodeResponse(req, result, err)
	if encErr != nil {
		log.Printf("bacnetio: encode response failed for %s: %v", from, encErr)
		return
	}
	if _, werr := s.conn.WriteTo(respBytes, from); werr != nil {
		log.Printf("bacnetio: write response to %s failed: %v", from, werr)
	}
}

// SendConfirmedCOV and SendUnconfirmedCOV implement cov.Transport for
// production egress. The distinction between confirmed and unconfirmed
// delivery (ack tracking vs fire-and-forget) is a wire-level concern the
// Encoder/real BACnet stack owns; at this boundary both simply encode and
// write.
func (s *UDPServer) SendConfirmedCOV(n bacnet.COVNotification) error {
	return s.sendCOV(n)
}

func (s *UDPServer) SendUnconfirmedCOV(n bacnet.COVNotification) error {
	return s.sendCOV(n)
}

func (s *UDPServer) sendCOV(n bacnet.COVNotification) error {
	if s.encoder == nil {
		return ErrCodecUnavailable
	}
	raw, err := s.encoder.EncodeCOVNotification(n)
	if err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", n.SubscriberAddress)
	if err != nil {
		return fmt.Errorf("bacnetio: resolve subscriber address %q: %w", n.SubscriberAddress, err)
	}
	_, err = s.conn.WriteTo(raw, addr)
	return err
}

func (s *UDPServer) Close() error {
	return s.conn.Close()
}
