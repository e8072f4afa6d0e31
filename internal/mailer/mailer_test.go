package mailer

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSESTransport_Send(t *testing.T) {
	fake := &fakeSES{}
	tr := NewSESTransportWithClient(fake, formatFrom("clinic@example.com", "VetCRM Clinic"))

	err := tr.Send(context.Background(), "owner@example.com", "Reminder", "<p>See you</p>")
	require.NoError(t, err)
	require.NotNil(t, fake.input)
	assert.Equal(t, "VetCRM Clinic <clinic@example.com>", aws.ToString(fake.input.FromEmailAddress))
	assert.Equal(t, []string{"owner@example.com"}, fake.input.Destination.ToAddresses)
	assert.Equal(t, "Reminder", aws.ToString(fake.input.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>See you</p>", aws.ToString(fake.input.Content.Simple.Body.Html.Data))
}

func TestSESTransport_SendError(t *testing.T) {
	boom := errors.New("throttled")
	tr := NewSESTransportWithClient(&fakeSES{err: boom}, "clinic@example.com")

	err := tr.Send(context.Background(), "owner@example.com", "s", "b")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "owner@example.com")
}

func TestNewSelectsTransport(t *testing.T) {
	ctx := context.Background()

	tr, err := New(ctx)
	require.NoError(t, err)
	assert.IsType(t, &LogTransport{}, tr)

	tr, err = New(ctx, WithKind("SMTP"), WithFrom("clinic@example.com", ""), WithSMTP("smtp.example.com", 0, "", ""))
	require.NoError(t, err)
	smtp, ok := tr.(*SMTPTransport)
	require.True(t, ok)
	assert.Equal(t, 587, smtp.port)

	_, err = New(ctx, WithKind("smtp"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(ctx, WithKind("ses"))
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(ctx, WithKind("pigeon"))
	assert.Error(t, err)
}

func TestSMTPTransport_Message(t *testing.T) {
	tr, err := NewSMTPTransport(Opts{SMTPHost: "smtp.example.com", From: "clinic@example.com", FromName: "Clinic"})
	require.NoError(t, err)

	m, err := tr.message("owner@example.com", "Hello", "<b>hi</b>")
	require.NoError(t, err)
	to := m.GetTo()
	require.Len(t, to, 1)
	assert.Equal(t, "owner@example.com", to[0].Address)

	_, err = tr.message("not an address", "Hello", "x")
	assert.Error(t, err)
}

func TestTransportFunc(t *testing.T) {
	var got string
	f := TransportFunc(func(_ context.Context, to, _, _ string) error {
		got = to
		return nil
	})
	require.NoError(t, f.Send(context.Background(), "a@example.com", "s", "b"))
	assert.Equal(t, "a@example.com", got)
	assert.NoError(t, NewLogTransport().Send(context.Background(), "a@example.com", "s", "b"))
}
