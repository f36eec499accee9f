package wa

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/bus"
)

// AuthEventType enumerates auth event types.
type AuthEventType string

const (
	AuthEventQRCode        AuthEventType = "qr_code"
	AuthEventAuthenticated AuthEventType = "authenticated"
	AuthEventAuthFailed    AuthEventType = "auth_failed"
	AuthEventTimeout       AuthEventType = "timeout"
)

// AuthEvent represents an auth lifecycle event.
type AuthEvent struct {
	Type    AuthEventType
	QRCode  string
	Message string
}

// StartQRAuth begins the QR auth flow and streams events to the bus.
// The caller should read the returned channel until it closes.
func (a *Adapter) StartQRAuth(ctx context.Context) (<-chan AuthEvent, error) {
	if a.IsLoggedIn() {
		return nil, fmt.Errorf("already logged in")
	}
	qrChan, err := a.wm.GetQRChannel(ctx)
	if err != nil {
		return nil, fmt.Errorf("get QR channel: %w", err)
	}

	out := make(chan AuthEvent, 10)
	emit := func(evt AuthEvent, kind string, payload any) {
		out <- evt
		a.bus.Publish(bus.NewEvent(kind, payload))
	}

	go func() {
		defer close(out)

		// Connect must be called after GetQRChannel.
		if err := a.Connect(); err != nil {
			emit(AuthEvent{Type: AuthEventAuthFailed, Message: err.Error()}, bus.KindAuthFailed, err.Error())
			return
		}

		for item := range qrChan {
			switch item.Event {
			case "code":
				emit(AuthEvent{Type: AuthEventQRCode, QRCode: item.Code}, bus.KindQRGenerated, item.Code)
			case "success":
				emit(AuthEvent{Type: AuthEventAuthenticated, Message: "authenticated"}, bus.KindAuthenticated, nil)
				return
			case "timeout":
				emit(AuthEvent{Type: AuthEventTimeout, Message: "QR code timeout"}, bus.KindAuthFailed, "timeout")
				return
			default:
				if item.Error != nil {
					emit(AuthEvent{Type: AuthEventAuthFailed, Message: item.Error.Error()}, bus.KindAuthFailed, item.Error.Error())
					return
				}
			}
		}
	}()

	return out, nil
}

// PairWithQR runs the QR flow, rendering every code to w, and returns once
// the device is paired or pairing failed.
func (a *Adapter) PairWithQR(ctx context.Context, w io.Writer) error {
	events, err := a.StartQRAuth(ctx)
	if err != nil {
		return err
	}
	for evt := range events {
		switch evt.Type {
		case AuthEventQRCode:
			if err := RenderQR(w, evt.QRCode); err != nil {
				a.logger.Warn("failed to render QR code", zap.Error(err))
			}
		case AuthEventAuthenticated:
			return nil
		default:
			return errors.New(evt.Message)
		}
	}
	return ctx.Err()
}

// RenderQR writes code as a terminal QR block.
func RenderQR(w io.Writer, code string) error {
	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR: %w", err)
	}
	_, err = io.WriteString(w, q.ToSmallString(false))
	return err
}
