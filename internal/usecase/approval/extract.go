package approval

import (
	"encoding/json"

	"butlerd/internal/domain"
)

// channelIdentity is the target identity extracted from gated-tool
// arguments.
type channelIdentity struct {
	ContactID    string // direct UUID lookup when set
	ChannelType  string
	ChannelValue string
}

// extractChannel applies the channel-extraction table to raw tool arguments:
// contact_id for a direct lookup, channel+recipient as-is, chat_id implies
// telegram, to implies email. Returns false when nothing matches.
func extractChannel(args json.RawMessage) (channelIdentity, bool) {
	var fields struct {
		ContactID string `json:"contact_id"`
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		ChatID    string `json:"chat_id"`
		To        string `json:"to"`
	}
	if err := json.Unmarshal(args, &fields); err != nil {
		return channelIdentity{}, false
	}
	switch {
	case fields.ContactID != "":
		return channelIdentity{ContactID: fields.ContactID}, true
	case fields.Channel != "" && fields.Recipient != "":
		return channelIdentity{ChannelType: fields.Channel, ChannelValue: fields.Recipient}, true
	case fields.ChatID != "":
		return channelIdentity{ChannelType: domain.ChannelTelegram, ChannelValue: fields.ChatID}, true
	case fields.To != "":
		return channelIdentity{ChannelType: domain.ChannelEmail, ChannelValue: fields.To}, true
	}
	return channelIdentity{}, false
}
