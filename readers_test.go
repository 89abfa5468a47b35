package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedMailbox(t *testing.T, b *Backup, ts int64, uniqueid, mboxname string, uid int64, guid string) {
	t.Helper()
	require.NoError(t, b.AppendStart(ts))
	require.NoError(t, b.Append(ts, mailboxMessageDlist(t, uniqueid, mboxname, uid, guid)))
	require.NoError(t, b.AppendEnd())
}

func TestGetMailboxByName_And_ByUniqueID_Agree(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-a@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	seedMailbox(t, b, 1700000000, "uid-1", "INBOX", 1, "g1")

	byName, err := b.GetMailboxByName("INBOX")
	require.NoError(t, err)
	byID, err := b.GetMailboxByUniqueID("uid-1")
	require.NoError(t, err)
	assert.Equal(t, byID, byName)
	assert.Equal(t, "uid-1", byName.Record.UniqueID)
}

func TestGetMailboxByName_NotFound(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-b@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.GetMailboxByName("does-not-exist")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessageForeach_ChunkIDFilter(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-c@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	seedMailbox(t, b, 1700000000, "uid-1", "INBOX", 1, "g1")
	seedMailbox(t, b, 1700000060, "uid-1", "INBOX", 2, "g2")

	chunks, err := b.GetChunks()
	require.NoError(t, err)
	var ids []int64
	for chunks.Next() {
		ids = append(ids, chunks.Chunk().ID)
	}
	require.NoError(t, chunks.Err())
	require.NoError(t, chunks.Close())
	require.Len(t, ids, 2)

	all, err := b.MessageForeach(nil)
	require.NoError(t, err)
	var allCount int
	for all.Next() {
		allCount++
	}
	require.NoError(t, all.Err())
	require.NoError(t, all.Close())
	assert.Equal(t, 2, allCount)

	scoped, err := b.MessageForeach(&ids[0])
	require.NoError(t, err)
	var scopedGUIDs []string
	for scoped.Next() {
		scopedGUIDs = append(scopedGUIDs, scoped.Message().GUID)
	}
	require.NoError(t, scoped.Err())
	require.NoError(t, scoped.Close())
	assert.Equal(t, []string{"g1"}, scopedGUIDs)
}

func TestMailboxForeach_ChunkIDFilter(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-d@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	seedMailbox(t, b, 1700000000, "uid-1", "INBOX", 1, "g1")
	seedMailbox(t, b, 1700000060, "uid-2", "Drafts", 1, "g2")

	chunks, err := b.GetChunks()
	require.NoError(t, err)
	var ids []int64
	for chunks.Next() {
		ids = append(ids, chunks.Chunk().ID)
	}
	require.NoError(t, chunks.Err())
	require.NoError(t, chunks.Close())
	require.Len(t, ids, 2)

	scoped, err := b.MailboxForeach(&ids[1])
	require.NoError(t, err)
	var names []string
	for scoped.Next() {
		names = append(names, scoped.Mailbox().Record.MboxName)
	}
	require.NoError(t, scoped.Err())
	require.NoError(t, scoped.Close())
	assert.Equal(t, []string{"Drafts"}, names)

	all, err := b.MailboxForeach(nil)
	require.NoError(t, err)
	var allCount int
	for all.Next() {
		allCount++
	}
	require.NoError(t, all.Err())
	require.NoError(t, all.Close())
	assert.Equal(t, 2, allCount)
}

func TestFetchMessagePayload_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-e@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	payload := []byte("the quick brown fox")
	dlist, err := EncodeCommand(Command{
		Verb: VerbMessage,
		Messages: []MessagePayload{
			{GUID: "g1", Partition: "default", Data: payload},
		},
	})
	require.NoError(t, err)

	require.NoError(t, b.AppendStart(1700000000))
	require.NoError(t, b.Append(1700000000, dlist))
	require.NoError(t, b.AppendEnd())

	msg, err := b.GetMessage("g1")
	require.NoError(t, err)
	assert.Equal(t, "default", msg.Partition)

	got, err := b.FetchMessagePayload("g1")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGetMessage_NotFound(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-f@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	_, err = b.GetMessage("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconstructMailboxApply_RoundTrip(t *testing.T) {
	cfg := testConfig(t)
	b, err := Open(cfg, "reader-g@example.com")
	require.NoError(t, err)
	defer func() { _ = b.Close() }()

	seedMailbox(t, b, 1700000000, "uid-1", "INBOX", 7, "g7")

	dlist, err := b.ReconstructMailboxApply("uid-1")
	require.NoError(t, err)

	cmd, err := ParseCommand(dlist)
	require.NoError(t, err)
	require.NotNil(t, cmd.Mailbox)
	assert.Equal(t, "uid-1", cmd.Mailbox.UniqueID)
	assert.Equal(t, "INBOX", cmd.Mailbox.MboxName)
	require.Len(t, cmd.MailboxMessages, 1)
	assert.Equal(t, int64(7), cmd.MailboxMessages[0].UID)
	assert.Equal(t, "g7", cmd.MailboxMessages[0].GUID)
}
