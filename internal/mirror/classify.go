package mirror

import (
	"github.com/gotd/td/tg"

	"tgmirror/internal/gateway"
	"tgmirror/internal/model"
)

// classify maps the MTProto media payload of msg onto the coarse
// MessageType vocabulary §3 persists on every mapping row.
func classify(msg gateway.Message) model.MessageType {
	if msg.IsService {
		return model.MessageTypeOther
	}
	if msg.Media == nil {
		return model.MessageTypeText
	}
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		return model.MessageTypePhoto
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return model.MessageTypeOther
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				if a.RoundMessage {
					return model.MessageTypeVoice
				}
				return model.MessageTypeVideo
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					return model.MessageTypeVoice
				}
				return model.MessageTypeAudio
			case *tg.DocumentAttributeAnimated:
				return model.MessageTypeAnimation
			case *tg.DocumentAttributeSticker:
				return model.MessageTypeSticker
			}
		}
		return model.MessageTypeDocument
	default:
		return model.MessageTypeOther
	}
}

// fileSizeOf returns the byte size of msg's media when the protocol exposes
// one directly. Photos carry a set of differently-sized renditions rather
// than a single size, so photo messages report unknown (nil) here and are
// never rejected by the max-file-size skip rule on size grounds alone.
func fileSizeOf(msg gateway.Message) *int64 {
	doc, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return nil
	}
	d, ok := doc.Document.(*tg.Document)
	if !ok {
		return nil
	}
	size := d.Size
	return &size
}
