package app

import (
	"context"
	"log/slog"

	"github.com/CiscoSE/serverless-cmx/internal/pipeline"
	"github.com/CiscoSE/serverless-cmx/internal/webex"
)

// logPoster stands in for the chat client when no bot token is configured.
type logPoster struct {
	logger *slog.Logger
}

func (p logPoster) PostMessage(_ context.Context, roomID, markdown string) error {
	p.logger.Info("chat message (not sent)", "room", roomID, "markdown", markdown)
	return nil
}

func (a *App) newPoster() (pipeline.Poster, error) {
	if a.cfg.ChatBotToken == "" {
		a.logger.Warn("chat bot token not set, chat messages are only logged")
		return logPoster{logger: a.logger}, nil
	}
	client, err := webex.NewClient(webex.ClientConfig{
		BaseURL: a.cfg.WebexBaseURL,
		Token:   a.cfg.ChatBotToken,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}
