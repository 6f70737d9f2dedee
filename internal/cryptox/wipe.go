package cryptox

// Wipe zeroizes secret material in place. Call it on master keys, subkeys
// and unwrapped company keys as soon as they are no longer needed.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
