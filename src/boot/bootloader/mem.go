package bootloader

import "farewell/src/boot/firmware"

// DefaultLinkBase is the physical address the kernel is linked to be loaded
// at or above.  The base region is the first free region at or past it.
const DefaultLinkBase = 0x20_0000

// DefaultKernelPath is where the kernel lives on the boot volume.
const DefaultKernelPath = "/efi/farewell/kernel.elf"

// DefaultMaxExitAttempts bounds the exit retry loop.  Firmware usually
// needs one retry at most, a few when timers are busy.
const DefaultMaxExitAttempts = 8

// mapSlackDescriptors is how many extra descriptors the map buffer has room
// for; allocating the buffer itself can add a region or two.
const mapSlackDescriptors = 4

// mapRegrowLimit is how many times the map buffer is regrown after the
// firmware says it is too small.
const mapRegrowLimit = 3

// mapBufferKind is what the map buffer is allocated as.  It must not be
// the kind segment pages use, or the remapper would move the buffer into
// the image's address space.
const mapBufferKind = firmware.BootServicesData
