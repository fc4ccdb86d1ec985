package status

// 通用状态码（真实设备状态 0-99）
const (
	OK             Code = 0
	Unknown        Code = 1
	NotAvailable   Code = 2
	Error          Code = 3
	Initialization Code = 4
	Disabled       Code = 5
	Busy           Code = 6
	DoorOpen       Code = 7

	// 纸币/硬币接收器
	Cheated     Code = 10
	Jammed      Code = 11
	StackerOpen Code = 12
	StackerFull Code = 13
	Rejected    Code = 14

	// 出钞/出币器
	CassetteEmpty     Code = 20
	CassetteNearEmpty Code = 21
	DispenserJam      Code = 22

	// 打印机
	PaperEnd     Code = 30
	PaperNearEnd Code = 31
	PaperJam     Code = 32
	HeadOpen     Code = 33

	// 看门狗
	WatchdogTripped Code = 40
	PowerLoss       Code = 41
)

// 内部状态码（100-199）
const (
	Identifying       Code = 100
	Polling           Code = 101
	CommandInProgress Code = 102
	Enabled           Code = 103
)

// 链路状态码（200+）
const (
	LinkTimeout   Code = 200
	ProtocolError Code = 201
	ChecksumError Code = 202
	PortClosed    Code = 203
)

// NewDefaultCatalog 创建包含通用状态码的目录
func NewDefaultCatalog() *Catalog {
	c := NewCatalog()

	c.MustRegister(OK, SeverityOK, "status.ok")
	c.MustRegister(Unknown, SeverityWarning, "status.unknown")
	c.MustRegister(NotAvailable, SeverityError, "status.not_available")
	c.MustRegister(Error, SeverityError, "status.error")
	c.MustRegister(Initialization, SeverityWarning, "status.initialization")
	c.MustRegister(Disabled, SeverityWarning, "status.disabled")
	c.MustRegister(Busy, SeverityOK, "status.busy")
	c.MustRegister(DoorOpen, SeverityWarning, "status.door_open")

	c.MustRegister(Cheated, SeverityWarning, "status.acceptor.cheated")
	c.MustRegister(Jammed, SeverityError, "status.acceptor.jammed")
	c.MustRegister(StackerOpen, SeverityError, "status.acceptor.stacker_open")
	c.MustRegister(StackerFull, SeverityError, "status.acceptor.stacker_full")
	c.MustRegister(Rejected, SeverityWarning, "status.acceptor.rejected")

	c.MustRegister(CassetteEmpty, SeverityError, "status.dispenser.cassette_empty")
	c.MustRegister(CassetteNearEmpty, SeverityWarning, "status.dispenser.cassette_near_empty")
	c.MustRegister(DispenserJam, SeverityError, "status.dispenser.jam")

	c.MustRegister(PaperEnd, SeverityError, "status.printer.paper_end")
	c.MustRegister(PaperNearEnd, SeverityWarning, "status.printer.paper_near_end")
	c.MustRegister(PaperJam, SeverityError, "status.printer.paper_jam")
	c.MustRegister(HeadOpen, SeverityError, "status.printer.head_open")

	c.MustRegister(WatchdogTripped, SeverityError, "status.watchdog.tripped")
	c.MustRegister(PowerLoss, SeverityWarning, "status.watchdog.power_loss")

	c.MustRegister(Identifying, SeverityOK, "status.service.identifying")
	c.MustRegister(Polling, SeverityOK, "status.service.polling")
	c.MustRegister(CommandInProgress, SeverityOK, "status.service.command_in_progress")
	c.MustRegister(Enabled, SeverityOK, "status.service.enabled")

	c.MustRegister(LinkTimeout, SeverityError, "status.interface.timeout")
	c.MustRegister(ProtocolError, SeverityError, "status.interface.protocol_error")
	c.MustRegister(ChecksumError, SeverityError, "status.interface.checksum")
	c.MustRegister(PortClosed, SeverityError, "status.interface.port_closed")

	return c
}
