package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"finance-agent/internal/usecase"
)

type recordingChat struct {
	inputs []usecase.ChatInput
	fail   map[string]error
}

func (r *recordingChat) Send(_ context.Context, in usecase.ChatInput) (usecase.ChatOutput, error) {
	r.inputs = append(r.inputs, in)
	if err := r.fail[in.Message]; err != nil {
		return usecase.ChatOutput{}, err
	}
	return usecase.ChatOutput{Reply: "ack: " + in.Message}, nil
}

func TestRunChat_SendsEachLineUntilQuit(t *testing.T) {
	chat := &recordingChat{fail: map[string]error{
		"boom": &usecase.Error{Code: usecase.ErrorUpstream, Reason: "llm_error"},
	}}
	in := strings.NewReader("spent 500 on groceries\n\n  boom \nQUIT\nnever sent\n")
	var out bytes.Buffer

	err := runChat(context.Background(), chat, in, &out, usecase.ChatInput{UserID: "u1", ThreadID: "t1", Timezone: "Asia/Kolkata"})
	require.NoError(t, err)

	require.Len(t, chat.inputs, 2)
	require.Equal(t, usecase.ChatInput{UserID: "u1", ThreadID: "t1", Timezone: "Asia/Kolkata", Message: "spent 500 on groceries"}, chat.inputs[0])
	require.Equal(t, "boom", chat.inputs[1].Message)
	require.Contains(t, out.String(), "ack: spent 500 on groceries")
	require.Contains(t, out.String(), "error: UPSTREAM_ERROR (llm_error)")
	require.NotContains(t, out.String(), "never sent")
}

func TestRunChat_StopsAtEOF(t *testing.T) {
	chat := &recordingChat{}
	var out bytes.Buffer

	err := runChat(context.Background(), chat, strings.NewReader("hello"), &out, usecase.ChatInput{UserID: "u1", ThreadID: "t1"})
	require.NoError(t, err)
	require.Len(t, chat.inputs, 1)
	require.Contains(t, out.String(), "ack: hello")
}

func TestRootCmd_HasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"lambda", "chat", "report"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		require.Equal(t, name, cmd.Name())
	}
	chat, _, err := root.Find([]string{"chat"})
	require.NoError(t, err)
	require.NotNil(t, chat.Flags().Lookup("thread"))
}

func TestAppClose_ReleasesInReverseOnce(t *testing.T) {
	var order []string
	a := &app{closers: []func() error{
		func() error { order = append(order, "expenses"); return nil },
		func() error { order = append(order, "events"); return errors.New("channel closed") },
		func() error { order = append(order, "threads"); return nil },
	}}

	require.ErrorContains(t, a.Close(), "channel closed")
	require.Equal(t, []string{"threads", "events", "expenses"}, order)
	require.NoError(t, a.Close())
	require.Len(t, order, 3)
}
