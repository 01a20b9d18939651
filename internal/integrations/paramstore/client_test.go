package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	out *ssm.GetParameterOutput
	err error
	in  *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.in = in
	return f.out, f.err
}

func parameter(value string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name:  aws.String("/finance-agent/gemini-token"),
		Value: aws.String(value),
		Type:  types.ParameterTypeSecureString,
	}}
}

func TestGetParameter_DecryptsByDefault(t *testing.T) {
	api := &fakeAPI{out: parameter(`{"token":"k"}`)}
	client, err := New(api)
	require.NoError(t, err)

	v, err := client.GetParameter(context.Background(), " /finance-agent/gemini-token ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"k"}`, v)
	require.Equal(t, "/finance-agent/gemini-token", aws.ToString(api.in.Name))
	require.True(t, aws.ToBool(api.in.WithDecryption))
}

func TestGetParameter_WithoutDecryption(t *testing.T) {
	api := &fakeAPI{out: parameter("plain")}
	client, err := New(api, WithoutDecryption())
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.False(t, aws.ToBool(api.in.WithDecryption))
}

func TestGetParameter_NoValue(t *testing.T) {
	for _, out := range []*ssm.GetParameterOutput{nil, {}, parameter("")} {
		client, err := New(&fakeAPI{out: out})
		require.NoError(t, err)
		_, err = client.GetParameter(context.Background(), "p")
		require.ErrorContains(t, err, "has no value")
	}
}

func TestGetParameter_NotFound(t *testing.T) {
	client, err := New(&fakeAPI{err: &types.ParameterNotFound{}})
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "/missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "/missing")
}

func TestGetParameter_APIError(t *testing.T) {
	client, err := New(&fakeAPI{err: errors.New("throttled")})
	require.NoError(t, err)

	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestGetParameter_Validation(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")

	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")

	_, err = New(nil)
	require.ErrorContains(t, err, "must not be nil")
}
