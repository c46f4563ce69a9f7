package ca

// ParseSNI extracts the server name from a raw TLS ClientHello without
// performing a handshake. It walks the record, handshake, and extension
// framing by hand and reports false on anything truncated or malformed; it
// never panics on hostile input.
func ParseSNI(data []byte) (string, bool) {
	// TLS record header: type(1) version(2) length(2).
	if len(data) < 5 || data[0] != 0x16 {
		return "", false
	}
	recordLen := int(data[3])<<8 | int(data[4])
	record := data[5:]
	if len(record) > recordLen {
		record = record[:recordLen]
	}

	// Handshake header: type(1) length(3). Only ClientHello carries SNI.
	if len(record) < 4 || record[0] != 0x01 {
		return "", false
	}
	record = record[4:]

	// Client version(2) + random(32).
	if len(record) < 34 {
		return "", false
	}
	record = record[34:]

	// Session ID.
	if len(record) < 1 {
		return "", false
	}
	sessionLen := int(record[0])
	record = record[1:]
	if len(record) < sessionLen {
		return "", false
	}
	record = record[sessionLen:]

	// Cipher suites.
	if len(record) < 2 {
		return "", false
	}
	cipherLen := int(record[0])<<8 | int(record[1])
	record = record[2:]
	if len(record) < cipherLen {
		return "", false
	}
	record = record[cipherLen:]

	// Compression methods.
	if len(record) < 1 {
		return "", false
	}
	compLen := int(record[0])
	record = record[1:]
	if len(record) < compLen {
		return "", false
	}
	record = record[compLen:]

	// Extensions block.
	if len(record) < 2 {
		return "", false
	}
	extTotal := int(record[0])<<8 | int(record[1])
	record = record[2:]
	if len(record) > extTotal {
		record = record[:extTotal]
	}

	for len(record) >= 4 {
		extType := int(record[0])<<8 | int(record[1])
		extLen := int(record[2])<<8 | int(record[3])
		record = record[4:]
		if len(record) < extLen {
			return "", false
		}

		if extType == 0 {
			return parseServerNameExtension(record[:extLen])
		}
		record = record[extLen:]
	}
	return "", false
}

func parseServerNameExtension(ext []byte) (string, bool) {
	// server_name_list length(2), then entries of type(1) length(2) name.
	if len(ext) < 2 {
		return "", false
	}
	listLen := int(ext[0])<<8 | int(ext[1])
	list := ext[2:]
	if len(list) > listLen {
		list = list[:listLen]
	}

	for len(list) >= 3 {
		nameType := list[0]
		nameLen := int(list[1])<<8 | int(list[2])
		list = list[3:]
		if len(list) < nameLen {
			return "", false
		}
		if nameType == 0 {
			name := string(list[:nameLen])
			if name == "" {
				return "", false
			}
			return name, true
		}
		list = list[nameLen:]
	}
	return "", false
}
