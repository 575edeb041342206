package main

// iconData is a 16x16 PNG of the tray icon: a lightning bolt on a
// dark square.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00,
	0x54, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0xa0, 0x06, 0x90,
	0x90, 0x52, 0xf8, 0x4f, 0x0e, 0x26, 0xcb, 0x80, 0xef, 0x93, 0xa5, 0xe0,
	0x98, 0x64, 0x03, 0x90, 0x35, 0x93, 0xec, 0x02, 0x74, 0xcd, 0x24, 0x19,
	0x80, 0x4d, 0x33, 0xd1, 0x06, 0xe0, 0xd2, 0x4c, 0x94, 0x01, 0xf8, 0x34,
	0x13, 0x34, 0x80, 0x90, 0x66, 0xbc, 0x06, 0x10, 0xa3, 0x19, 0xa7, 0x01,
	0xc4, 0x6a, 0xc6, 0x6a, 0x00, 0x29, 0x9a, 0x31, 0x0c, 0x20, 0x55, 0x33,
	0x8a, 0x01, 0xe4, 0x68, 0x26, 0x3b, 0x2f, 0x60, 0x35, 0x80, 0x12, 0x00,
	0x00, 0xf9, 0x17, 0x31, 0x9c, 0x34, 0x68, 0x18, 0x4f, 0x00, 0x00, 0x00,
	0x00, 0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
