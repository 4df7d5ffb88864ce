//go:build linux

package net

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/boltconn/boltconn/common/errors"
)

// FindProcess resolves the process owning the socket bound to dest on this
// host. dest is the local endpoint of the flow (its source, seen from the
// proxy), so the address must be local.
func FindProcess(dest Destination) (*Process, error) {
	if dest.Address.Family() == AddressFamilyDomain {
		return nil, errors.New("domain addresses are not supported for process lookup")
	}
	isLocal, err := IsLocal(dest.Address.IP())
	if err != nil {
		return nil, errors.New("failed to determine if address is local").Base(err)
	}
	if !isLocal {
		return nil, ErrNotLocal
	}

	var procFile string
	switch dest.Network {
	case Network_TCP:
		procFile = "/proc/net/tcp"
		if dest.Address.Family() == AddressFamilyIPv6 {
			procFile = "/proc/net/tcp6"
		}
	case Network_UDP:
		procFile = "/proc/net/udp"
		if dest.Address.Family() == AddressFamilyIPv6 {
			procFile = "/proc/net/udp6"
		}
	default:
		return nil, errors.New("unsupported network for process lookup: ", dest.Network)
	}

	targetHexAddr, err := formatLittleEndianString(dest.Address, dest.Port)
	if err != nil {
		return nil, errors.New("failed to format address").Base(err)
	}

	inode, err := findInodeInFile(procFile, targetHexAddr)
	if err != nil {
		return nil, errors.New("could not search in ", procFile).Base(err)
	}
	if inode == "" {
		return nil, errors.New("connection for ", dest.Address, ":", dest.Port, " not found in ", procFile)
	}

	pidStr, err := findPidByInode(inode)
	if err != nil {
		return nil, errors.New("could not find PID for inode ", inode).Base(err)
	}
	if pidStr == "" {
		return nil, errors.New("no process found for inode ", inode)
	}

	absPath, err := os.Readlink(fmt.Sprintf("/proc/%s/exe", pidStr))
	if err != nil {
		return nil, errors.New("could not get process name for PID ", pidStr).Base(err)
	}

	nameSplit := strings.Split(absPath, "/")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, errors.New("failed to parse PID").Base(err)
	}

	return &Process{
		PID:  pid,
		Name: nameSplit[len(nameSplit)-1],
		Path: absPath,
	}, nil
}

func formatLittleEndianString(addr Address, port Port) (string, error) {
	ip := addr.IP()
	var ipBytes []byte
	if addr.Family() == AddressFamilyIPv4 {
		ipBytes = ip.To4()
	} else {
		ipBytes = ip.To16()
	}
	if ipBytes == nil {
		return "", errors.New("invalid IP format for ", addr.Family(), ": ", ip)
	}

	reversed := make([]byte, len(ipBytes))
	for i, b := range ipBytes {
		reversed[len(ipBytes)-1-i] = b
	}
	return fmt.Sprintf("%s:%04X", strings.ToUpper(hex.EncodeToString(reversed)), uint16(port)), nil
}

func findInodeInFile(filePath, targetHexAddr string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if fields[1] == targetHexAddr {
			return fields[9], nil
		}
	}
	return "", scanner.Err()
}

func findPidByInode(inode string) (string, error) {
	procDir, err := os.ReadDir("/proc")
	if err != nil {
		return "", err
	}

	targetLink := "socket:[" + inode + "]"
	for _, entry := range procDir {
		if !entry.IsDir() {
			continue
		}
		pid := entry.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}

		fdPath := fmt.Sprintf("/proc/%s/fd", pid)
		fdDir, err := os.ReadDir(fdPath)
		if err != nil {
			continue
		}
		for _, fdEntry := range fdDir {
			linkTarget, err := os.Readlink(fdPath + "/" + fdEntry.Name())
			if err != nil {
				continue
			}
			if linkTarget == targetLink {
				return pid, nil
			}
		}
	}
	return "", nil
}
