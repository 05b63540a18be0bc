package chat

import (
	"strings"

	"github.com/mbd888/ecashwallet/internal/amount"
	"github.com/mbd888/ecashwallet/internal/bridge"
)

// StatusIcon is the icon shown next to a payment.
type StatusIcon string

const (
	IconNone    StatusIcon = ""
	IconX       StatusIcon = "x"
	IconReject  StatusIcon = "reject"
	IconCheck   StatusIcon = "check"
	IconError   StatusIcon = "error"
	IconLoading StatusIcon = "loading"
)

// Action identifies what a button does.
type Action string

const (
	ActionCancel             Action = "cancel"
	ActionReject             Action = "reject"
	ActionPay                Action = "pay"
	ActionAcceptForeignEcash Action = "acceptForeignEcash"
)

// Text is an i18n key with interpolation params. Suffix is appended after
// translation.
type Text struct {
	Key    string            `json:"key"`
	Params map[string]string `json:"params,omitempty"`
	Suffix string            `json:"suffix,omitempty"`
}

// Button is one action offered on a payment.
type Button struct {
	Label    Text   `json:"label"`
	Action   Action `json:"action"`
	Loading  bool   `json:"loading,omitempty"`
	Disabled bool   `json:"disabled,omitempty"`
}

// InFlight tracks which actions are running for a payment.
type InFlight struct {
	Canceling bool `json:"canceling"`
	Accepting bool `json:"accepting"`
	Rejecting bool `json:"rejecting"`
}

// PaymentView is everything needed to present one payment event.
type PaymentView struct {
	Event         bridge.MatrixPaymentEvent `json:"event"`
	MyID          string                    `json:"myId"`
	CanClaim      bool                      `json:"canClaim"`
	IsDm          bool                      `json:"isDm"`
	SenderName    string                    `json:"senderName,omitempty"`
	RecipientName string                    `json:"recipientName,omitempty"`
	InFlight      InFlight                  `json:"inFlight"`
}

// Presentation is how a payment event is rendered.
type Presentation struct {
	MessageText          Text       `json:"messageText"`
	StatusIcon           StatusIcon `json:"statusIcon,omitempty"`
	StatusText           *Text      `json:"statusText,omitempty"`
	Buttons              []Button   `json:"buttons"`
	FederationInviteCode string     `json:"federationInviteCode,omitempty"`
}

func key(k string) Text { return Text{Key: k} }

// PresentPayment maps a payment event and the viewer's relation to it onto
// icon, status text and buttons.
func PresentPayment(v PaymentView) Presentation {
	c := v.Event.Content
	isSentByMe := c.SenderID == v.MyID
	isRecipient := c.RecipientID == v.MyID
	f := v.InFlight

	p := Presentation{
		MessageText:          messageText(v, isSentByMe, isRecipient),
		Buttons:              []Button{},
		FederationInviteCode: c.InviteCode,
	}
	status := func(icon StatusIcon, t Text) {
		p.StatusIcon = icon
		p.StatusText = &t
	}

	switch c.Status {
	case bridge.PaymentReceived:
		if isRecipient {
			status(IconCheck, key("words.received"))
		} else {
			status(IconCheck, key("words.paid"))
		}

	case bridge.PaymentRejected:
		status(IconReject, key("words.rejected"))

	case bridge.PaymentCanceled:
		status(IconX, key("words.canceled"))

	case bridge.PaymentPushed, bridge.PaymentAccepted:
		switch {
		case !v.CanClaim:
			// Both buttons share the reject spinner; accepting only opens
			// the join flow.
			p.Buttons = []Button{
				{Label: key("words.reject"), Action: ActionReject, Loading: f.Rejecting, Disabled: f.Accepting},
				{Label: key("words.accept"), Action: ActionAcceptForeignEcash, Loading: f.Rejecting, Disabled: f.Accepting},
			}
		case isRecipient:
			p.StatusIcon = IconLoading
			p.StatusText = &Text{Key: "words.receiving", Suffix: "..."}
		case isSentByMe:
			if c.Status == bridge.PaymentAccepted {
				status(IconCheck, key("words.sent"))
			}
			p.Buttons = []Button{
				{Label: key("words.cancel"), Action: ActionCancel, Loading: f.Canceling},
			}
		default:
			name := v.SenderName
			if name == "" {
				name = MatrixIDToUsername(v.Event.SenderID)
			}
			status(IconCheck, Text{Key: "feature.chat.paid-by-name", Params: map[string]string{"name": name}})
		}

	case bridge.PaymentRequested:
		if isRecipient {
			p.Buttons = []Button{
				{Label: key("words.cancel"), Action: ActionCancel, Loading: f.Canceling},
			}
			break
		}
		if v.IsDm {
			p.Buttons = append(p.Buttons, Button{
				Label: key("words.reject"), Action: ActionReject, Loading: f.Rejecting, Disabled: f.Accepting,
			})
		}
		p.Buttons = append(p.Buttons, Button{
			Label: key("words.pay"), Action: ActionPay, Loading: f.Accepting, Disabled: f.Rejecting,
		})
	}
	return p
}

// messageText describes who paid or requested what.
func messageText(v PaymentView, isSentByMe, isRecipient bool) Text {
	c := v.Event.Content
	params := map[string]string{
		"amount": amount.FormatSats(amount.MsatToSat(c.Amount)),
	}
	sender := v.SenderName
	if sender == "" {
		sender = MatrixIDToUsername(c.SenderID)
	}
	recipient := v.RecipientName
	if recipient == "" {
		recipient = MatrixIDToUsername(c.RecipientID)
	}

	if c.Status == bridge.PaymentRequested {
		if isRecipient {
			params["name"] = sender
			return Text{Key: "feature.chat.you-requested-payment", Params: params}
		}
		params["name"] = recipient
		return Text{Key: "feature.chat.name-requested-payment", Params: params}
	}
	switch {
	case isSentByMe:
		params["name"] = recipient
		return Text{Key: "feature.chat.you-sent-payment", Params: params}
	case isRecipient:
		params["name"] = sender
		return Text{Key: "feature.chat.name-sent-you-payment", Params: params}
	}
	params["name"] = sender
	params["recipient"] = recipient
	return Text{Key: "feature.chat.name-sent-name-payment", Params: params}
}

// MatrixIDToUsername returns the localpart of a matrix id ("@alice:x" ->
// "alice"). Other strings are returned unchanged.
func MatrixIDToUsername(id string) string {
	if !strings.HasPrefix(id, "@") {
		return id
	}
	local, _, _ := strings.Cut(id[1:], ":")
	return local
}
