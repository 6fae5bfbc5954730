package notify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEmailNotification() *Notification {
	return &Notification{
		Recipients: []string{"alice@example.com"},
		Type:       TypeEmail,
		Content:    Content{Subject: "Welcome", Body: "Hello"},
	}
}

func TestValidate(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name      string
		mutate    func(*Notification)
		wantField string
	}{
		{
			name:   "valid email notification",
			mutate: func(n *Notification) {},
		},
		{
			name: "valid text notification with phone",
			mutate: func(n *Notification) {
				n.Type = TypeText
				n.Recipients = []string{"+16045551234"}
				n.Content = Content{Body: "your code is 1234"}
			},
		},
		{
			name: "text allows email recipients",
			mutate: func(n *Notification) {
				n.Type = TypeText
				n.Content = Content{Body: "hello"}
			},
		},
		{
			name:      "unknown type",
			mutate:    func(n *Notification) { n.Type = "FAX" },
			wantField: "notifyType",
		},
		{
			name:      "no recipients",
			mutate:    func(n *Notification) { n.Recipients = nil },
			wantField: "recipients",
		},
		{
			name:      "malformed email",
			mutate:    func(n *Notification) { n.Recipients = []string{"not-an-email"} },
			wantField: "recipients",
		},
		{
			name:      "phone recipient on email type",
			mutate:    func(n *Notification) { n.Recipients = []string{"+16045551234"} },
			wantField: "recipients",
		},
		{
			name:      "empty body",
			mutate:    func(n *Notification) { n.Content.Body = "  " },
			wantField: "content.body",
		},
		{
			name:      "email without subject",
			mutate:    func(n *Notification) { n.Content.Subject = "" },
			wantField: "content.subject",
		},
		{
			name: "text forbids html",
			mutate: func(n *Notification) {
				n.Type = TypeText
				n.Content = Content{Body: "<p>Hi</p>", IsHTML: true}
			},
			wantField: "notifyType",
		},
		{
			name: "text forbids attachments",
			mutate: func(n *Notification) {
				n.Type = TypeText
				n.Content = Content{
					Body:        "hello",
					Attachments: []Attachment{{FileName: "a.pdf", FileBytes: []byte("x")}},
				}
			},
			wantField: "notifyType",
		},
		{
			name: "attachment without name",
			mutate: func(n *Notification) {
				n.Content.Attachments = []Attachment{{FileBytes: []byte("x")}}
			},
			wantField: "content.attachments",
		},
		{
			name: "attachment without bytes",
			mutate: func(n *Notification) {
				n.Content.Attachments = []Attachment{{FileName: "a.pdf"}}
			},
			wantField: "content.attachments",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := validEmailNotification()
			tt.mutate(n)

			err := Validate(n, limits)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantField, vErr.Field)
		})
	}
}

func TestValidateAttachmentLimits(t *testing.T) {
	limits := Limits{MaxPerAttachmentBytes: 10, MaxTotalAttachmentBytes: 15}

	t.Run("single attachment at the cap passes", func(t *testing.T) {
		n := validEmailNotification()
		n.Content.Attachments = []Attachment{
			{FileName: "a.bin", FileBytes: bytes.Repeat([]byte{1}, 10)},
		}
		assert.NoError(t, Validate(n, limits))
		assert.Equal(t, int64(10), n.Content.Attachments[0].ContentSize)
	})

	t.Run("single attachment over the cap is a validation error", func(t *testing.T) {
		n := validEmailNotification()
		n.Content.Attachments = []Attachment{
			{FileName: "a.bin", FileBytes: bytes.Repeat([]byte{1}, 11)},
		}
		var vErr *ValidationError
		require.ErrorAs(t, Validate(n, limits), &vErr)
		assert.Equal(t, "content.attachments", vErr.Field)
	})

	t.Run("total at the hard cap passes", func(t *testing.T) {
		n := validEmailNotification()
		n.Content.Attachments = []Attachment{
			{FileName: "a.bin", FileBytes: bytes.Repeat([]byte{1}, 8)},
			{FileName: "b.bin", FileBytes: bytes.Repeat([]byte{1}, 7)},
		}
		assert.NoError(t, Validate(n, limits))
	})

	t.Run("total over the hard cap is too large", func(t *testing.T) {
		n := validEmailNotification()
		n.Content.Attachments = []Attachment{
			{FileName: "a.bin", FileBytes: bytes.Repeat([]byte{1}, 8)},
			{FileName: "b.bin", FileBytes: bytes.Repeat([]byte{1}, 8)},
		}
		var tooLarge *TooLargeError
		require.ErrorAs(t, Validate(n, limits), &tooLarge)
		assert.Equal(t, int64(16), tooLarge.TotalBytes)
		assert.Equal(t, int64(15), tooLarge.Limit)
	})

	t.Run("content size is recomputed from bytes", func(t *testing.T) {
		n := validEmailNotification()
		n.Content.Attachments = []Attachment{
			{FileName: "a.bin", FileBytes: []byte("abc"), ContentSize: 9999},
		}
		require.NoError(t, Validate(n, limits))
		assert.Equal(t, int64(3), n.Content.Attachments[0].ContentSize)
	})
}

func TestValidAddresses(t *testing.T) {
	assert.True(t, ValidEmail("alice@example.com"))
	assert.True(t, ValidEmail("a.b+tag@sub.example.co"))
	assert.False(t, ValidEmail("alice@"))
	assert.False(t, ValidEmail("@example.com"))
	assert.False(t, ValidEmail("alice@example"))

	assert.True(t, ValidPhone("+16045551234"))
	assert.True(t, ValidPhone("16045551234"))
	assert.False(t, ValidPhone("0123"))
	assert.False(t, ValidPhone("not-a-phone"))
}
