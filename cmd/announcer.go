package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/jedapaw/echo-alert-zone/common"
	"github.com/jedapaw/echo-alert-zone/core"
	"github.com/jedapaw/echo-alert-zone/ingest"
	"github.com/jedapaw/echo-alert-zone/transport"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v2"
)

// AnnounceCLIArgs arguments of the announce command
type AnnounceCLIArgs struct {
	// Channel overrides the configured broadcast channel
	Channel string
	// ID broadcast identifier. Generated from the clock when empty.
	ID string
	// Message the message text
	Message string `validate:"required"`
	// SourceLanguage ISO 639-1 code of the message. Detected when empty.
	SourceLanguage string `validate:"omitempty,len=2"`
	// Translations repeated lang=text pairs
	Translations cli.StringSlice
	// Location origin-location label
	Location string
	// Emergency mark as an emergency broadcast
	Emergency bool
}

// GetAnnounceCLIFlags retrieve the set of CMD flags for the announce command
func GetAnnounceCLIFlags(args *AnnounceCLIArgs) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "message",
			Usage:       "Broadcast message text",
			Aliases:     []string{"m"},
			Destination: &args.Message,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "channel",
			Usage:       "Broadcast channel. Use the configured channel if not specified.",
			EnvVars:     []string{"BROADCAST_CHANNEL"},
			Destination: &args.Channel,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "id",
			Usage:       "Broadcast ID. Generated if not specified.",
			Destination: &args.ID,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "source-language",
			Usage:       "ISO 639-1 code of the message. Detected if not specified.",
			Aliases:     []string{"s"},
			Destination: &args.SourceLanguage,
			Required:    false,
		},
		&cli.StringSliceFlag{
			Name:        "translation",
			Usage:       "Translation as lang=text. Repeat for each language.",
			Aliases:     []string{"t"},
			Destination: &args.Translations,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "location",
			Usage:       "Origin location label",
			Destination: &args.Location,
			Required:    false,
		},
		&cli.BoolFlag{
			Name:        "emergency",
			Usage:       "Mark as an emergency broadcast",
			Aliases:     []string{"e"},
			Value:       false,
			DefaultText: "false",
			Destination: &args.Emergency,
			Required:    false,
		},
	}
}

// parseTranslations parse lang=text pairs
func parseTranslations(pairs []string) (map[string]string, error) {
	result := map[string]string{}
	for _, pair := range pairs {
		lang, text, found := strings.Cut(pair, "=")
		lang = strings.TrimSpace(lang)
		if !found || lang == "" || text == "" {
			return nil, fmt.Errorf("translation '%s' is not lang=text", pair)
		}
		result[lang] = text
	}
	return result, nil
}

// detectLanguage best effort ISO 639-1 code of text
func detectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	return info.Lang.Iso6391()
}

// BuildAnnouncement convert announce arguments into a broadcast
//
// The message is also recorded as the translation for its own language.
func BuildAnnouncement(args AnnounceCLIArgs, clock clockwork.Clock) (common.BroadcastRecord, error) {
	validate := validator.New()
	if err := validate.Struct(&args); err != nil {
		return common.BroadcastRecord{}, err
	}
	translations, err := parseTranslations(args.Translations.Value())
	if err != nil {
		return common.BroadcastRecord{}, err
	}
	sourceLang := args.SourceLanguage
	if sourceLang == "" {
		sourceLang = detectLanguage(args.Message)
	}
	if _, ok := translations[sourceLang]; !ok && sourceLang != "" {
		translations[sourceLang] = args.Message
	}
	now := clock.Now().UTC()
	id := args.ID
	if id == "" {
		id = fmt.Sprintf("%d", now.UnixMilli())
	}
	return common.BroadcastRecord{
		ID:           common.BroadcastID(id),
		Message:      args.Message,
		Translations: translations,
		Location:     args.Location,
		Emergency:    args.Emergency,
		Timestamp:    now,
	}, nil
}

// RunAnnouncer publish one broadcast on the channel
func RunAnnouncer(
	runtimeCtxt context.Context,
	config *common.SystemConfig,
	args AnnounceCLIArgs,
	instance string,
	clock clockwork.Clock,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "announcer",
		"instance":  instance,
	}

	record, err := BuildAnnouncement(args, clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid broadcast")
		return err
	}
	channel := args.Channel
	if channel == "" {
		channel = config.Listener.Channel
	}

	// The announcer authenticates the same way a listener does
	tokens, err := DefineTokenProvider(config.Token, clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token provider")
		return err
	}
	identity := ingest.NewIdentity("announcer")
	credential, err := tokens.FetchCredential(runtimeCtxt, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to fetch credential")
		return err
	}

	natsClient, err := core.GetNATSClient(core.NATSConnectParams{
		ServerURI:           config.NATS.ServerURI,
		ClientName:          identity,
		Token:               credential.Token,
		ConnectTimeout:      time.Second * time.Duration(config.NATS.ConnectTimeout),
		MaxReconnectAttempt: 0,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to define NATS client with %s", config.NATS.ServerURI,
		)
		return err
	}
	defer func() {
		ctxt, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		natsClient.Close(ctxt)
	}()

	publisher, err := transport.GetBroadcastPublisher(&natsClient, identity)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast publisher")
		return err
	}
	publishCtxt, cancel := context.WithTimeout(runtimeCtxt, shutdownTimeout)
	defer cancel()
	if err := publisher.Publish(publishCtxt, channel, record); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to announce on %s", channel)
		return err
	}
	log.WithFields(logTags).Infof("Announced %s on %s", record, channel)
	return nil
}
