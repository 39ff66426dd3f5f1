package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/vovakirdan/wirechat-realtime/internal/core"
	"github.com/vovakirdan/wirechat-realtime/internal/proto"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decode unmarshals and validates an inbound payload.
func decode[T any](raw json.RawMessage) (T, *proto.Error) {
	var v T
	if len(raw) == 0 {
		return v, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "data is required"}
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "malformed payload"}
	}
	if err := validate.Struct(v); err != nil {
		return v, &proto.Error{Code: core.ErrCodeValidation, Msg: describeValidation(err)}
	}
	return v, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoinRoom, proto.InboundTypeLeaveRoom:
		data, perr := decode[proto.RoomData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		kind := core.CommandJoinRoom
		if inbound.Type == proto.InboundTypeLeaveRoom {
			kind = core.CommandLeaveRoom
		}
		return &core.Command{Kind: kind, Room: data.RoomID}, nil

	case proto.InboundTypeSendMessage:
		data, perr := decode[proto.SendMessageData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{
			Kind: core.CommandSendDirect,
			Message: core.Message{
				ReceiverID:  data.Receiver,
				Text:        data.Text,
				ClientMsgID: data.ClientMsgID,
			},
		}, nil

	case proto.InboundTypeSendRoomMessage:
		data, perr := decode[proto.SendRoomMessageData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{
			Kind: core.CommandSendRoomMessage,
			Room: data.RoomID,
			Message: core.Message{
				Room:   data.RoomID,
				Text:   data.Text,
				TempID: data.TempID,
			},
		}, nil

	case proto.InboundTypeDeleteRoomMessage, proto.InboundTypeDeleteMessage:
		data, perr := decode[proto.DeleteMessageData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{Kind: core.CommandDeleteMessage, MessageID: data.MessageID}, nil

	case proto.InboundTypeCallRequest, proto.InboundTypeCallAccepted, proto.InboundTypeCallRejected,
		proto.InboundTypeUserBusy, proto.InboundTypeCallEnded:
		data, perr := decode[proto.CallData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		if data.Peer() == 0 {
			return nil, &proto.Error{Code: core.ErrCodeValidation, Msg: "target or caller is required"}
		}
		return &core.Command{
			Kind: directCallKinds[inbound.Type],
			Call: core.CallCommand{Target: data.Peer(), Mode: data.Type, Reason: data.Reason},
		}, nil

	case proto.InboundTypeCallSignal:
		data, perr := decode[proto.CallSignalData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{
			Kind: core.CommandCallSignal,
			Call: core.CallCommand{Target: data.To, Signal: data.Signal},
		}, nil

	case proto.InboundTypeGroupCallRequest, proto.InboundTypeGroupCallAccepted,
		proto.InboundTypeGroupCallRejected, proto.InboundTypeGroupCallEnded:
		data, perr := decode[proto.GroupCallData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{
			Kind: groupCallKinds[inbound.Type],
			Room: data.RoomID,
			Call: core.CallCommand{Mode: data.Type, Reason: data.Reason},
		}, nil

	case proto.InboundTypeGroupCallSignal:
		data, perr := decode[proto.GroupCallSignalData](inbound.Data)
		if perr != nil {
			return nil, perr
		}
		return &core.Command{
			Kind: core.CommandGroupCallSignal,
			Room: data.RoomID,
			Call: core.CallCommand{Target: data.To, Signal: data.Signal},
		}, nil

	case proto.InboundTypeHello:
		return nil, &proto.Error{Code: core.ErrCodeBadRequest, Msg: "already authenticated"}

	default:
		return nil, &proto.Error{Code: "invalid_message", Msg: "unknown message type"}
	}
}

var directCallKinds = map[string]core.CommandKind{
	proto.InboundTypeCallRequest:  core.CommandCallRequest,
	proto.InboundTypeCallAccepted: core.CommandCallAccept,
	proto.InboundTypeCallRejected: core.CommandCallReject,
	proto.InboundTypeUserBusy:     core.CommandCallBusy,
	proto.InboundTypeCallEnded:    core.CommandCallEnd,
}

var groupCallKinds = map[string]core.CommandKind{
	proto.InboundTypeGroupCallRequest:  core.CommandGroupCallRequest,
	proto.InboundTypeGroupCallAccepted: core.CommandGroupCallAccept,
	proto.InboundTypeGroupCallRejected: core.CommandGroupCallReject,
	proto.InboundTypeGroupCallEnded:    core.CommandGroupCallEnd,
}

func userRef(s core.Sender) proto.UserRef {
	return proto.UserRef{ID: s.ID, Name: s.Name}
}

func messageData(m core.Message) proto.MessageData {
	return proto.MessageData{
		ID:          m.ID,
		Sender:      userRef(m.Sender),
		Receiver:    m.ReceiverID,
		RoomID:      m.Room,
		Text:        m.Text,
		ClientMsgID: m.ClientMsgID,
		TempID:      m.TempID,
		Confirmed:   m.Confirmed,
		CreatedAt:   m.CreatedAt,
		IsDeleted:   m.IsDeleted,
		DeletedAt:   m.DeletedAt,
	}
}

func outboundFromEvent(event *core.Event) (proto.Outbound, error) {
	name := event.Kind.String()

	switch event.Kind {
	case core.EventError:
		if event.Error == nil {
			return proto.Outbound{Type: proto.OutboundTypeError, Error: &proto.Error{Code: "unknown", Msg: "unknown error"}}, nil
		}
		return proto.Outbound{
			Type:  proto.OutboundTypeError,
			Error: &proto.Error{Code: event.Error.Code, Msg: event.Error.Message},
		}, nil

	case core.EventReady:
		return proto.NewEvent(name, proto.ReadyData{
			User:     userRef(event.User),
			Online:   event.Online,
			Protocol: proto.ProtocolVersion,
		})

	case core.EventUserOnline, core.EventUserOffline:
		return proto.NewEvent(name, proto.PresenceData{UserID: event.User.ID, Username: event.User.Name})

	case core.EventUserJoined, core.EventUserLeft:
		return proto.NewEvent(name, proto.RoomMemberData{
			UserID:   event.User.ID,
			Username: event.User.Name,
			RoomID:   event.Room,
		})

	case core.EventNewMessage, core.EventRoomMessage, core.EventRoomMessageDeleted, core.EventMessageDeleted:
		return proto.NewEvent(name, messageData(event.Message))

	case core.EventRemoveFailedMessage:
		return proto.NewEvent(name, proto.RemoveFailedData{RoomID: event.Room, TempID: event.TempID})

	case core.EventMessageError:
		data := proto.MessageErrorData{
			ClientMsgID: event.Message.ClientMsgID,
			TempID:      event.Message.TempID,
			RoomID:      event.Message.Room,
		}
		if event.Error != nil {
			data.Error = event.Error.Message
			data.Code = event.Error.Code
		}
		return proto.NewEvent(name, data)
	}

	if event.Call == nil {
		return proto.Outbound{}, fmt.Errorf("event %s has no payload", name)
	}
	return proto.NewEvent(name, proto.CallEventData{
		From:         event.Call.From.ID,
		FromName:     event.Call.From.Name,
		RoomID:       event.Call.Room,
		Type:         event.Call.Mode,
		Reason:       event.Call.Reason,
		Signal:       event.Call.Signal,
		Participants: event.Call.Participants,
	})
}
