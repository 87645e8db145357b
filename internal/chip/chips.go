package chip

// Known is the static table of supported chip descriptors. The erase
// opcodes are the common SPI NOR command set; region layouts follow the
// vendor datasheets.
var Known = []Geometry{
	{
		Vendor:      "Winbond",
		Name:        "W25Q64",
		JEDECID:     0xEF4017,
		TotalSize:   8 * 1024 * 1024,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        Gran1Bit,
		Erasers: []EraseFunc{
			{Regions: []EraseRegion{{4 * 1024, 2048}}, Opcode: 0x20},
			{Regions: []EraseRegion{{32 * 1024, 256}}, Opcode: 0x52},
			{Regions: []EraseRegion{{64 * 1024, 128}}, Opcode: 0xD8},
			{Regions: []EraseRegion{{8 * 1024 * 1024, 1}}, Opcode: 0x60},
			{Regions: []EraseRegion{{8 * 1024 * 1024, 1}}, Opcode: 0xC7},
		},
	},
	{
		Vendor:      "Winbond",
		Name:        "W25Q128.V",
		JEDECID:     0xEF4018,
		TotalSize:   16 * 1024 * 1024,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        Gran1Bit,
		Erasers: []EraseFunc{
			{Regions: []EraseRegion{{4 * 1024, 4096}}, Opcode: 0x20},
			{Regions: []EraseRegion{{32 * 1024, 512}}, Opcode: 0x52},
			{Regions: []EraseRegion{{64 * 1024, 256}}, Opcode: 0xD8},
			{Regions: []EraseRegion{{16 * 1024 * 1024, 1}}, Opcode: 0x60},
			{Regions: []EraseRegion{{16 * 1024 * 1024, 1}}, Opcode: 0xC7},
		},
	},
	{
		Vendor:      "Macronix",
		Name:        "MX25L6405",
		JEDECID:     0xC22017,
		TotalSize:   8 * 1024 * 1024,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        Gran1Bit,
		Erasers: []EraseFunc{
			{Regions: []EraseRegion{{4 * 1024, 2048}}, Opcode: 0x20},
			{Regions: []EraseRegion{{64 * 1024, 128}}, Opcode: 0xD8},
			{Regions: []EraseRegion{{8 * 1024 * 1024, 1}}, Opcode: 0x60},
			{Regions: []EraseRegion{{8 * 1024 * 1024, 1}}, Opcode: 0xC7},
		},
	},
	{
		Vendor:      "GigaDevice",
		Name:        "GD25Q32",
		JEDECID:     0xC84016,
		TotalSize:   4 * 1024 * 1024,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        Gran1Bit,
		Erasers: []EraseFunc{
			{Regions: []EraseRegion{{4 * 1024, 1024}}, Opcode: 0x20},
			{Regions: []EraseRegion{{32 * 1024, 128}}, Opcode: 0x52},
			{Regions: []EraseRegion{{64 * 1024, 64}}, Opcode: 0xD8},
			{Regions: []EraseRegion{{4 * 1024 * 1024, 1}}, Opcode: 0x60},
			{Regions: []EraseRegion{{4 * 1024 * 1024, 1}}, Opcode: 0xC7},
		},
	},
	{
		Vendor:      "Atmel",
		Name:        "AT25DF321A",
		JEDECID:     0x1F4701,
		TotalSize:   4 * 1024 * 1024,
		PageSize:    256,
		ErasedValue: 0xFF,
		Gran:        Gran1Bit,
		Erasers: []EraseFunc{
			{Regions: []EraseRegion{{4 * 1024, 1024}}, Opcode: 0x20},
			{Regions: []EraseRegion{{32 * 1024, 128}}, Opcode: 0x52},
			{Regions: []EraseRegion{{64 * 1024, 64}}, Opcode: 0xD8},
			{Regions: []EraseRegion{{4 * 1024 * 1024, 1}}, Opcode: 0x60},
			{Regions: []EraseRegion{{4 * 1024 * 1024, 1}}, Opcode: 0xC7},
		},
	},
}

// Lookup finds a chip descriptor by JEDEC manufacturer/device ID.
// Returns nil when the ID is not in the table.
func Lookup(jedecID uint32) *Geometry {
	for i := range Known {
		if Known[i].JEDECID == jedecID {
			return &Known[i]
		}
	}
	return nil
}
