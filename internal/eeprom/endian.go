package eeprom

// ReadU16BE reads a big-endian uint16 at off.
func ReadU16BE(s Store, off int) (uint16, error) {
	hi, err := s.ReadByteAt(off)
	if err != nil {
		return 0, err
	}
	lo, err := s.ReadByteAt(off + 1)
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// WriteU16BE writes v big-endian at off.
func WriteU16BE(s Store, off int, v uint16) error {
	if err := s.WriteByteAt(off, byte(v>>8)); err != nil {
		return err
	}
	return s.WriteByteAt(off+1, byte(v))
}

// ReadU32BE reads a big-endian uint32 at off.
func ReadU32BE(s Store, off int) (uint32, error) {
	var v uint32
	for i := 0; i < 4; i++ {
		b, err := s.ReadByteAt(off + i)
		if err != nil {
			return 0, err
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// WriteU32BE writes v big-endian at off.
func WriteU32BE(s Store, off int, v uint32) error {
	for i := 0; i < 4; i++ {
		if err := s.WriteByteAt(off+i, byte(v>>(24-8*i))); err != nil {
			return err
		}
	}
	return nil
}

// ReadBlock fills p from consecutive bytes starting at off.
func ReadBlock(s Store, off int, p []byte) error {
	for i := range p {
		b, err := s.ReadByteAt(off + i)
		if err != nil {
			return err
		}
		p[i] = b
	}
	return nil
}

// WriteBlock writes p to consecutive bytes starting at off.
func WriteBlock(s Store, off int, p []byte) error {
	for i, b := range p {
		if err := s.WriteByteAt(off+i, b); err != nil {
			return err
		}
	}
	return nil
}
