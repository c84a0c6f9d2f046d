package ledger

// TamperPayload flips one byte of the stored payload at index, bypassing
// the append path. Test-only.
func (l *Ledger) TamperPayload(index int) {
	l.mux.Lock()
	defer l.mux.Unlock()
	l.chain[index].Payload[0] ^= 0x01
}
