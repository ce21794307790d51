package sqldriver

import (
	"github.com/ajitpratap0/sqlpool/pkg/driver"
)

func init() {
	driver.Register("mysql", func(rawURL string) (driver.Driver, error) {
		d, err := NewMySQLFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	})

	sqlite := func(rawURL string) (driver.Driver, error) {
		d, err := NewSQLiteFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	driver.Register("sqlite3", sqlite)
	driver.Register("sqlite", sqlite)

	driver.Register("snowflake", func(rawURL string) (driver.Driver, error) {
		d, err := NewSnowflakeFromURL(rawURL)
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}
