package pci

// ScanAllBus resets table and fills it with every function reachable from
// bus 0, depth first. A bridge is always recorded before anything behind it.
// ErrFull from any level aborts the walk; entries already found are kept.
func (c *Config) ScanAllBus(table *Table) error {
	table.Reset()

	headerType := c.ReadHeaderType(0, 0, 0)
	if IsSingleFunctionDevice(headerType) {
		return c.scanBus(table, 0)
	}

	// A multi-function root complex has one host bridge per function, and
	// host bridge N owns bus N. Bus 0 is walked too so the functions beside
	// the root complex are recorded.
	if err := c.scanBus(table, 0); err != nil {
		return err
	}
	for function := uint8(1); function < 8; function++ {
		if c.ReadVendorID(0, 0, function) == InvalidVendorID {
			continue
		}
		if err := c.scanBus(table, function); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) scanBus(table *Table, bus uint8) error {
	for device := uint8(0); device < 32; device++ {
		if c.ReadVendorID(bus, device, 0) == InvalidVendorID {
			continue
		}
		if err := c.scanDevice(table, bus, device); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) scanDevice(table *Table, bus, device uint8) error {
	if err := c.scanFunction(table, bus, device, 0); err != nil {
		return err
	}
	if IsSingleFunctionDevice(c.ReadHeaderType(bus, device, 0)) {
		return nil
	}

	for function := uint8(1); function < 8; function++ {
		if c.ReadVendorID(bus, device, function) == InvalidVendorID {
			continue
		}
		if err := c.scanFunction(table, bus, device, function); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) scanFunction(table *Table, bus, device, function uint8) error {
	dev := Device{
		Bus:        bus,
		Device:     device,
		Function:   function,
		HeaderType: c.ReadHeaderType(bus, device, function),
		ClassCode:  c.ReadClassCode(bus, device, function),
	}
	if err := table.Add(dev); err != nil {
		return err
	}

	if dev.ClassCode.IsBridge() {
		secondary := c.ReadBusNumbers(bus, device, function).Secondary()
		return c.scanBus(table, secondary)
	}
	return nil
}
