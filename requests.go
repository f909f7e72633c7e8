package main

import (
	"encoding/json"
	"errors"

	"sharefast_relay/internal/relay"
	"sharefast_relay/internal/signaling"

	"github.com/go-playground/validator/v10"
)

type RegisterRequest struct {
	Code            string `json:"code" validate:"required"`
	Mode            string `json:"mode" validate:"required,oneof=client admin query"`
	SessionID       string `json:"session_id" validate:"required_if=Mode query"`
	PeerIP          string `json:"peer_ip" validate:"omitempty,ip"`
	PeerPort        int    `json:"peer_port" validate:"gte=0,lte=65535"`
	AllowAutonomous bool   `json:"allow_autonomous"`
	AdminEmail      string `json:"admin_email" validate:"omitempty,email"`
}

type SessionRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Code      string `json:"code" validate:"required"`
}

type KeepaliveRequest struct {
	SessionID string `json:"session_id" validate:"required"`
	Code      string `json:"code" validate:"required"`
	PeerIP    string `json:"peer_ip" validate:"omitempty,ip"`
	PeerPort  int    `json:"peer_port" validate:"gte=0,lte=65535"`
}

type ValidateRequest struct {
	Code string `json:"code" validate:"required"`
}

type SignalRequest struct {
	SessionID string          `json:"session_id" validate:"required"`
	Code      string          `json:"code" validate:"required"`
	Type      string          `json:"type" validate:"required,signaltype"`
	Data      json.RawMessage `json:"data" validate:"required"`
}

type RelayRequest struct {
	Action    string          `json:"action" validate:"required,oneof=send receive"`
	SessionID string          `json:"session_id" validate:"required"`
	Code      string          `json:"code" validate:"required"`
	Type      string          `json:"type" validate:"required_if=Action send,omitempty,relaytype"`
	Data      json.RawMessage `json:"data" validate:"required_if=Action send"`
}

type ReconnectRequest struct {
	AdminSessionID string `json:"admin_session_id" validate:"required"`
}

type TerminateRequest struct {
	Code string `json:"code" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New()
	registerCustomValidators(v)
	return v
}

func registerCustomValidators(v *validator.Validate) {
	_ = v.RegisterValidation("signaltype", func(fl validator.FieldLevel) bool {
		return signaling.ValidType(fl.Field().String())
	})
	_ = v.RegisterValidation("relaytype", func(fl validator.FieldLevel) bool {
		return relay.MessageType(fl.Field().String()).Valid()
	})
}

// validationMessage turns the first failed rule into the message clients
// have always received for it.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	switch fe := verrs[0]; fe.Tag() {
	case "signaltype":
		return "Invalid signal type"
	case "relaytype":
		return "Invalid message type"
	case "oneof":
		if fe.Field() == "Action" {
			return "Invalid action"
		}
		return "Invalid mode"
	case "required", "required_if":
		return "Missing required fields"
	default:
		return "Invalid " + fe.Field()
	}
}
