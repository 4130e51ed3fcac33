package httpserver

const serverBanner = "Apache/2.4.52 (Ubuntu)"

const indexPage = `<!DOCTYPE html>
<html>
<head><title>Acme Logistics — Partner Portal</title></head>
<body>
<h1>Acme Logistics Partner Portal</h1>
<p>Welcome to the partner services portal. Please <a href="/login">sign in</a>
to access shipment tracking, invoicing and warehouse scheduling.</p>
<p><small>&copy; 2023 Acme Logistics GmbH. Internal use only.</small></p>
</body>
</html>
`

const loginPage = `<!DOCTYPE html>
<html>
<head><title>Sign in — Acme Logistics</title></head>
<body>
<h2>Partner sign in</h2>
<form method="POST">
  <label>Username <input type="text" name="username"></label><br>
  <label>Password <input type="password" name="password"></label><br>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`

const loginFailedPage = `<!DOCTYPE html>
<html>
<head><title>Sign in — Acme Logistics</title></head>
<body>
<h2>Partner sign in</h2>
<p style="color:red">Invalid username or password.</p>
<form method="POST">
  <label>Username <input type="text" name="username"></label><br>
  <label>Password <input type="password" name="password"></label><br>
  <button type="submit">Sign in</button>
</form>
</body>
</html>
`

const notFoundPage = `<!DOCTYPE html>
<html>
<head><title>404 Not Found</title></head>
<body>
<h1>Not Found</h1>
<p>The requested URL was not found on this server.</p>
<hr>
<address>Apache/2.4.52 (Ubuntu) Server</address>
</body>
</html>
`

const robotsTxt = `User-agent: *
Disallow: /admin
Disallow: /backup
Disallow: /internal
`
