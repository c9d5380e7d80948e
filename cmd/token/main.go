// Command token signs an identity token for local testing.
//
//	token -sub u-1 -role club_admin -club club-1
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iliyamo/club-license-service/internal/identity"
)

func main() {
	_ = godotenv.Load()

	sub := flag.String("sub", "dev-user", "subject id")
	email := flag.String("email", "", "email claim")
	role := flag.String("role", string(identity.RolePlatformAdmin), "platform_admin, agent, club_admin, seller or subscriber")
	club := flag.String("club", "", "club id for club-scoped roles")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		logrus.Fatal("JWT_SECRET is not set")
	}

	tok, err := identity.Issue(secret, os.Getenv("JWT_ISSUER"), identity.Identity{
		SubjectID: *sub,
		Email:     *email,
		Claims:    identity.Claims{Role: identity.Role(*role), ClubID: *club},
	}, *ttl)
	if err != nil {
		logrus.WithError(err).Fatal("sign token")
	}
	fmt.Println(tok.Token)
}
