package object

// CommitSigningPayload returns the bytes a commit signature covers: the
// commit encoding with the gpgsig header left out.
func CommitSigningPayload(c *CommitObj) []byte {
	if c == nil {
		return nil
	}
	unsigned := *c
	unsigned.Signature = ""
	return MarshalCommit(&unsigned)
}
